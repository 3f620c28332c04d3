package manifest_test

import (
	"errors"

	envErrors "github.com/envcore/envcore/pkg/errors"
	"github.com/envcore/envcore/pkg/manifest"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/twpayne/go-vfs/v4/vfst"
)

var _ = Describe("parsing manifests", func() {
	var fs *vfst.TestFS
	var cleanup func()
	var err error

	AfterEach(func() {
		if cleanup != nil {
			cleanup()
			cleanup = nil
		}
	})

	Context("a plain requirements file", func() {
		BeforeEach(func() {
			fs, cleanup, err = vfst.NewTestFS(map[string]interface{}{
				"/requirements.txt": "# deps for the app\nstreamlit\nopenai==1.3.5\nrequests[socks]>=2.28,<3.0  # trailing note\n\npywin32; sys_platform == \"win32\"\n",
			})
			Expect(err).ToNot(HaveOccurred())
		})

		It("parses entries with extras, constraints and markers", func() {
			m, err := manifest.Load(fs, "/requirements.txt")
			Expect(err).ToNot(HaveOccurred())
			Expect(m.Entries).To(HaveLen(4))

			Expect(m.Entries[0].Name).To(Equal("streamlit"))
			Expect(m.Entries[0].Constraint).To(BeEmpty())

			Expect(m.Entries[1].Name).To(Equal("openai"))
			Expect(m.Entries[1].Constraint).To(Equal("==1.3.5"))
			Expect(m.Entries[1].Pinned()).To(BeTrue())
			Expect(m.Entries[1].Version()).To(Equal("1.3.5"))

			Expect(m.Entries[2].Name).To(Equal("requests"))
			Expect(m.Entries[2].Extras).To(Equal([]string{"socks"}))
			Expect(m.Entries[2].Constraint).To(Equal(">=2.28,<3.0"))
			Expect(m.Entries[2].Pinned()).To(BeFalse())

			Expect(m.Entries[3].Name).To(Equal("pywin32"))
			Expect(m.Entries[3].Marker).To(Equal(`sys_platform == "win32"`))
		})

		It("keeps line provenance on every entry", func() {
			m, err := manifest.Load(fs, "/requirements.txt")
			Expect(err).ToNot(HaveOccurred())
			Expect(m.Entries[0].File).To(Equal("/requirements.txt"))
			Expect(m.Entries[0].Line).To(Equal(2))
			Expect(m.Entries[3].Line).To(Equal(6))
		})

		It("digests the same regardless of comments and spacing", func() {
			m, err := manifest.Load(fs, "/requirements.txt")
			Expect(err).ToNot(HaveOccurred())

			other, otherCleanup, err := vfst.NewTestFS(map[string]interface{}{
				"/requirements.txt": "streamlit\nopenai == 1.3.5\nrequests[socks] >= 2.28, < 3.0\npywin32 ; sys_platform == \"win32\"\n",
			})
			Expect(err).ToNot(HaveOccurred())
			defer otherCleanup()

			m2, err := manifest.Load(other, "/requirements.txt")
			Expect(err).ToNot(HaveOccurred())
			Expect(m2.Digest()).To(Equal(m.Digest()))
		})
	})

	Context("includes", func() {
		BeforeEach(func() {
			fs, cleanup, err = vfst.NewTestFS(map[string]interface{}{
				"/app/requirements.txt": "-r common/base.txt\nstreamlit\n",
				"/app/common/base.txt":  "requests\n-r base.txt\n",
			})
			Expect(err).ToNot(HaveOccurred())
		})

		It("flattens includes relative to the including file", func() {
			m, err := manifest.Load(fs, "/app/requirements.txt")
			Expect(err).ToNot(HaveOccurred())
			Expect(m.Names()).To(Equal([]string{"requests", "streamlit"}))
			Expect(m.Files).To(Equal([]string{"/app/requirements.txt", "/app/common/base.txt"}))
		})

		It("terminates on include loops", func() {
			// base.txt includes itself, the visited set cuts the cycle.
			m, err := manifest.Load(fs, "/app/requirements.txt")
			Expect(err).ToNot(HaveOccurred())
			Expect(m.Entries).To(HaveLen(2))
		})
	})

	Context("constraint files", func() {
		BeforeEach(func() {
			fs, cleanup, err = vfst.NewTestFS(map[string]interface{}{
				"/requirements.txt": "-c constraints.txt\nstreamlit\n",
				"/constraints.txt":  "streamlit==1.29.0\n",
			})
			Expect(err).ToNot(HaveOccurred())
		})

		It("keeps constraints apart from installable entries", func() {
			m, err := manifest.Load(fs, "/requirements.txt")
			Expect(err).ToNot(HaveOccurred())
			Expect(m.Entries).To(HaveLen(1))
			Expect(m.Constraints).To(HaveLen(1))
			Expect(m.Constraints[0].Constraint).To(Equal("==1.29.0"))
		})
	})

	Context("bad input", func() {
		It("fails fast on a missing file", func() {
			fs, cleanup, err = vfst.NewTestFS(map[string]interface{}{})
			Expect(err).ToNot(HaveOccurred())

			_, err := manifest.Load(fs, "/nope.txt")
			Expect(err).To(HaveOccurred())
			var classified envErrors.Error
			Expect(errors.As(err, &classified)).To(BeTrue())
			Expect(classified.ErrorCode).To(Equal(envErrors.ManifestNotFoundError))
		})

		It("reports the offending file and line on parse errors", func() {
			fs, cleanup, err = vfst.NewTestFS(map[string]interface{}{
				"/requirements.txt": "streamlit\nopenai ==== 1.0\n",
			})
			Expect(err).ToNot(HaveOccurred())

			_, err := manifest.Load(fs, "/requirements.txt")
			Expect(err).To(HaveOccurred())
			var classified envErrors.Error
			Expect(errors.As(err, &classified)).To(BeTrue())
			Expect(classified.ErrorCode).To(Equal(envErrors.ManifestParseError))
			Expect(classified.Message).To(ContainSubstring("line 2"))
		})

		It("refuses the same name twice", func() {
			fs, cleanup, err = vfst.NewTestFS(map[string]interface{}{
				"/requirements.txt": "requests\nReQuests==2.28.0\n",
			})
			Expect(err).ToNot(HaveOccurred())

			_, err := manifest.Load(fs, "/requirements.txt")
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("line 2"))
		})

		It("refuses editable entries in constraint files", func() {
			fs, cleanup, err = vfst.NewTestFS(map[string]interface{}{
				"/requirements.txt": "-c constraints.txt\n",
				"/constraints.txt":  "-e ./src/thing\n",
			})
			Expect(err).ToNot(HaveOccurred())

			_, err := manifest.Load(fs, "/requirements.txt")
			Expect(err).To(HaveOccurred())
		})
	})

	Context("line continuations and options", func() {
		BeforeEach(func() {
			fs, cleanup, err = vfst.NewTestFS(map[string]interface{}{
				"/requirements.txt": "--index-url https://pypi.example.internal/simple\nrequests>=2.28,\\\n<3.0\n",
			})
			Expect(err).ToNot(HaveOccurred())
		})

		It("joins continued lines and passes options through", func() {
			m, err := manifest.Load(fs, "/requirements.txt")
			Expect(err).ToNot(HaveOccurred())
			Expect(m.Options).To(Equal([]string{"--index-url https://pypi.example.internal/simple"}))
			Expect(m.Entries).To(HaveLen(1))
			Expect(m.Entries[0].Constraint).To(Equal(">=2.28,<3.0"))
		})
	})

	Context("import names", func() {
		It("applies the override table and the underscore rule", func() {
			Expect(manifest.Entry{Name: "PyYAML"}.ImportName()).To(Equal("yaml"))
			Expect(manifest.Entry{Name: "beautifulsoup4"}.ImportName()).To(Equal("bs4"))
			Expect(manifest.Entry{Name: "python-dotenv"}.ImportName()).To(Equal("dotenv"))
			Expect(manifest.Entry{Name: "typing-extensions"}.ImportName()).To(Equal("typing_extensions"))
			Expect(manifest.Entry{Name: "streamlit"}.ImportName()).To(Equal("streamlit"))
		})

		It("returns nothing for direct references", func() {
			Expect(manifest.Entry{URL: "https://example.com/pkg.whl", Name: "pkg"}.ImportName()).To(BeEmpty())
			Expect(manifest.Entry{Editable: true}.ImportName()).To(BeEmpty())
		})
	})

	Context("canonical names", func() {
		It("collapses separators and case", func() {
			Expect(manifest.Canonical("Django_REST.framework")).To(Equal("django-rest-framework"))
		})
	})
})
