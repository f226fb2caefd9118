package disconnect

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestDisconnect(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Disconnect Suite")
}
