package radius

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestRadius(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "RADIUS Suite")
}
