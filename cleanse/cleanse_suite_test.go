package cleanse_test

import (
	"testing"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func TestCleanse(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Cleanse Suite")
}
