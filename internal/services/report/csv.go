// Package report renders filtered record sets as CSV with a fixed header row
// per entity.
package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"iter"
	"strconv"
	"strings"
	"time"

	"ums-aaa/internal/models"
)

const timeLayout = "2006-01-02 15:04:05"

var (
	AccessCodeHeader  = []string{"Username", "Password", "Profile", "Created At", "Expires At", "Status"}
	SessionLogHeader  = []string{"User", "MAC", "IP", "Access Point", "Login", "Logout", "Duration", "Data Used", "Status"}
	BalanceHeader     = []string{"Customer", "Account Type", "Current Balance", "Credit Limit", "Status", "Plan", "Station", "Last Topup"}
	RouterHeader      = []string{"Name", "IP Address", "MAC Address", "Type", "Port", "Radius Server", "Status", "Description"}
	BandwidthHeader   = []string{"Plan", "Download", "Upload", "Priority", "Status", "Description"}
	DeviceLimitHeader = []string{"Group", "Device Limit", "Status", "Description"}
)

// Writer streams rows under one header
type Writer struct {
	w    *csv.Writer
	rows int
}

// NewWriter writes header immediately
func NewWriter(out io.Writer, header []string) (*Writer, error) {
	w := csv.NewWriter(out)
	if err := w.Write(header); err != nil {
		return nil, fmt.Errorf("failed to write csv header: %w", err)
	}
	return &Writer{w: w}, nil
}

func (w *Writer) Write(row []string) error {
	if err := w.w.Write(row); err != nil {
		return fmt.Errorf("failed to write csv row %d: %w", w.rows+1, err)
	}
	w.rows++
	return nil
}

// Close flushes buffered rows and returns how many were written
func (w *Writer) Close() (int, error) {
	w.w.Flush()
	return w.rows, w.w.Error()
}

func writeAll[T any](out io.Writer, header []string, items []T, row func(T) []string) (int, error) {
	w, err := NewWriter(out, header)
	if err != nil {
		return 0, err
	}
	for _, item := range items {
		if err := w.Write(row(item)); err != nil {
			return 0, err
		}
	}
	return w.Close()
}

func WriteAccessCodes(out io.Writer, codes []models.AccessCode) (int, error) {
	return writeAll(out, AccessCodeHeader, codes, func(c models.AccessCode) []string {
		return []string{c.Username, c.Password, c.Profile, formatTime(c.CreatedAt), formatTime(c.ExpiresAt), string(c.Status)}
	})
}

// WriteSessionLogs drains a ledger query lazily. A query error stops the
// export after the rows already written.
func WriteSessionLogs(out io.Writer, records iter.Seq2[models.SessionRecord, error]) (int, error) {
	w, err := NewWriter(out, SessionLogHeader)
	if err != nil {
		return 0, err
	}
	for rec, err := range records {
		if err != nil {
			w.Close()
			return w.rows, fmt.Errorf("session log query failed: %w", err)
		}
		logout := ""
		if rec.Logout != nil {
			logout = formatTime(*rec.Logout)
		}
		if err := w.Write([]string{
			rec.Username,
			rec.MAC,
			rec.IP,
			rec.AccessPoint,
			formatTime(rec.Login),
			logout,
			FormatDuration(rec.DurationSeconds),
			FormatBytes(rec.BytesIn + rec.BytesOut),
			string(rec.Status),
		}); err != nil {
			return 0, err
		}
	}
	return w.Close()
}

func WriteBalances(out io.Writer, accounts []*models.BalanceAccount) (int, error) {
	return writeAll(out, BalanceHeader, accounts, func(a *models.BalanceAccount) []string {
		lastTopUp := ""
		if a.LastTopUp != nil {
			lastTopUp = formatTime(*a.LastTopUp)
		}
		return []string{
			a.Customer,
			string(a.Type),
			FormatAmount(a.Balance),
			FormatAmount(a.CreditLimit),
			string(a.Status),
			a.Plan,
			a.Station,
			lastTopUp,
		}
	})
}

// WriteRouters never includes the shared secret.
func WriteRouters(out io.Writer, routers []models.Router) (int, error) {
	return writeAll(out, RouterHeader, routers, func(r models.Router) []string {
		return []string{r.Name, r.IPAddress, r.MACAddress, r.Type, strconv.Itoa(r.Port), r.RadiusServer, string(r.Status), r.Description}
	})
}

func WriteBandwidthProfiles(out io.Writer, profiles []models.BandwidthProfile) (int, error) {
	return writeAll(out, BandwidthHeader, profiles, func(p models.BandwidthProfile) []string {
		return []string{p.Name, p.DownloadRate, p.UploadRate, strconv.Itoa(p.Priority), activeStatus(p.Active), p.Description}
	})
}

func WriteDeviceLimits(out io.Writer, groups []models.UserGroup) (int, error) {
	return writeAll(out, DeviceLimitHeader, groups, func(g models.UserGroup) []string {
		limit := strconv.Itoa(g.DeviceLimit)
		if g.DeviceLimit == 0 {
			limit = "Unlimited"
		}
		return []string{g.Name, limit, activeStatus(g.Active), g.Description}
	})
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(timeLayout)
}

func activeStatus(active bool) string {
	if active {
		return "Active"
	}
	return "Inactive"
}

// FormatDuration renders seconds as "1h 5m", "50m" or "30s"
func FormatDuration(seconds int64) string {
	if seconds <= 0 {
		return "0s"
	}
	h, m, s := seconds/3600, seconds%3600/60, seconds%60
	var parts []string
	if h > 0 {
		parts = append(parts, fmt.Sprintf("%dh", h))
	}
	if m > 0 {
		parts = append(parts, fmt.Sprintf("%dm", m))
	}
	if s > 0 && h == 0 {
		parts = append(parts, fmt.Sprintf("%ds", s))
	}
	return strings.Join(parts, " ")
}

func FormatBytes(b uint64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := uint64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}

// FormatAmount renders minor units with two decimals
func FormatAmount(minor int64) string {
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	return fmt.Sprintf("%s%d.%02d", sign, minor/100, minor%100)
}
