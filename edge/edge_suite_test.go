package edge

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sirupsen/logrus"
)

func TestEdge(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Edge Pool Suite")
}

var _ = BeforeSuite(func() {
	logrus.SetOutput(GinkgoWriter)
})
