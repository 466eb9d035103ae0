package catalog

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sirupsen/logrus"
)

func TestCatalog(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Catalog Suite")
}

var _ = Describe("Catalog", func() {
	var (
		tempDir     string
		catalogPath string
		logger      *logrus.Logger
	)

	BeforeEach(func() {
		var err error
		tempDir, err = os.MkdirTemp("", "catalog-test")
		Expect(err).NotTo(HaveOccurred())
		catalogPath = filepath.Join(tempDir, "catalog.yaml")
		logger = logrus.New()
		logger.SetLevel(logrus.FatalLevel)
	})

	AfterEach(func() {
		os.RemoveAll(tempDir)
	})

	writeCatalog := func(content string) {
		Expect(os.WriteFile(catalogPath, []byte(content), 0644)).To(Succeed())
	}

	Describe("Load", func() {
		It("parses tools from the file", func() {
			writeCatalog(`
tools:
  - name: restart_service
    description: restarts a named service
    capabilities: ["restart"]
    inputs: ["service_name"]
  - name: delete_volume
    description: deletes a storage volume
    destructive: true
    requires_approval: true
`)
			store, err := Load(catalogPath, logger)
			Expect(err).NotTo(HaveOccurred())

			c := store.Current()
			Expect(c.Tools).To(HaveLen(2))
			Expect(c.Names()).To(Equal([]string{"restart_service", "delete_volume"}))

			tool, ok := c.ByName("delete_volume")
			Expect(ok).To(BeTrue())
			Expect(tool.Destructive).To(BeTrue())
			Expect(tool.RequiresApproval).To(BeTrue())
		})

		It("returns an error when the file does not exist", func() {
			_, err := Load(filepath.Join(tempDir, "missing.yaml"), logger)
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("failed to read catalog file"))
		})

		It("returns an error for invalid YAML", func() {
			writeCatalog("tools: [not valid")
			_, err := Load(catalogPath, logger)
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("failed to parse catalog file"))
		})
	})

	Describe("ByName on a nil catalog", func() {
		It("returns ok=false rather than panicking", func() {
			var c *Catalog
			_, ok := c.ByName("anything")
			Expect(ok).To(BeFalse())
			Expect(c.Names()).To(BeNil())
		})
	})

	Describe("WatchForChanges", func() {
		It("swaps in a reloaded snapshot after the file changes", func() {
			writeCatalog(`
tools:
  - name: restart_service
    description: v1
`)
			store, err := Load(catalogPath, logger)
			Expect(err).NotTo(HaveOccurred())
			Expect(store.WatchForChanges()).To(Succeed())
			defer store.Close()

			writeCatalog(`
tools:
  - name: restart_service
    description: v2
  - name: new_tool
    description: added later
`)

			Eventually(func() int {
				return len(store.Current().Tools)
			}, 2*time.Second, 20*time.Millisecond).Should(Equal(2))

			tool, ok := store.Current().ByName("restart_service")
			Expect(ok).To(BeTrue())
			Expect(tool.Description).To(Equal("v2"))
		})

		It("keeps the previous snapshot when the reloaded file is invalid", func() {
			writeCatalog(`
tools:
  - name: restart_service
    description: v1
`)
			store, err := Load(catalogPath, logger)
			Expect(err).NotTo(HaveOccurred())
			Expect(store.WatchForChanges()).To(Succeed())
			defer store.Close()

			writeCatalog("tools: [not valid")

			Consistently(func() int {
				return len(store.Current().Tools)
			}, 300*time.Millisecond, 20*time.Millisecond).Should(Equal(1))
		})
	})
})
