package utils_test

import (
	"context"
	"os"
	"path/filepath"

	"github.com/envcore/envcore/internal/utils"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/twpayne/go-vfs/v4/vfst"
)

var _ = Describe("host utils", func() {
	Context("UniqueSlice", func() {
		It("removes duplicates keeping first-seen order", func() {
			dups := []string{"a", "b", "c", "d", "b", "a"}
			Expect(utils.UniqueSlice(dups)).To(Equal([]string{"a", "b", "c", "d"}))
		})
	})

	Context("CleanupSlice", func() {
		It("drops empty and whitespace-only values", func() {
			Expect(utils.CleanupSlice([]string{"git", "", "  ", "curl"})).To(Equal([]string{"git", "curl"}))
		})
	})

	Context("ReadEnv", func() {
		It("parses an env file into a map", func() {
			tmpDir, err := os.MkdirTemp("", "")
			Expect(err).ToNot(HaveOccurred())
			defer os.RemoveAll(tmpDir)
			err = os.WriteFile(filepath.Join(tmpDir, "build.env"), []byte("ENVCORE_TZ=\"Europe/Berlin\"\nENVCORE_PYTHON_VERSION=\"3.12\"\nENVCORE_UID=\"2000\""), os.ModePerm)
			Expect(err).ToNot(HaveOccurred())

			env, err := utils.ReadEnv(filepath.Join(tmpDir, "build.env"))
			Expect(err).ToNot(HaveOccurred())
			Expect(env).To(HaveKeyWithValue("ENVCORE_TZ", "Europe/Berlin"))
			Expect(env).To(HaveKeyWithValue("ENVCORE_PYTHON_VERSION", "3.12"))
			Expect(env).To(HaveKeyWithValue("ENVCORE_UID", "2000"))
		})
	})

	Context("LoadEnvFile", func() {
		AfterEach(func() {
			_ = os.Unsetenv("ENVCORE_TEST_FRESH")
			_ = os.Unsetenv("ENVCORE_TEST_TAKEN")
		})

		It("exports pairs without clobbering existing values", func() {
			tmpDir, err := os.MkdirTemp("", "")
			Expect(err).ToNot(HaveOccurred())
			defer os.RemoveAll(tmpDir)
			file := filepath.Join(tmpDir, "build.env")
			err = os.WriteFile(file, []byte("ENVCORE_TEST_FRESH=from-file\nENVCORE_TEST_TAKEN=from-file\n"), os.ModePerm)
			Expect(err).ToNot(HaveOccurred())

			Expect(os.Setenv("ENVCORE_TEST_TAKEN", "from-caller")).To(Succeed())
			Expect(utils.LoadEnvFile(file)).To(Succeed())
			Expect(os.Getenv("ENVCORE_TEST_FRESH")).To(Equal("from-file"))
			Expect(os.Getenv("ENVCORE_TEST_TAKEN")).To(Equal("from-caller"))
		})
	})

	Context("EnvOrDefault", func() {
		AfterEach(func() {
			_ = os.Unsetenv("ENVCORE_TEST_VALUE")
		})

		It("prefers the env var and falls back when unset", func() {
			Expect(utils.EnvOrDefault("ENVCORE_TEST_VALUE", "fallback")).To(Equal("fallback"))
			Expect(os.Setenv("ENVCORE_TEST_VALUE", "set")).To(Succeed())
			Expect(utils.EnvOrDefault("ENVCORE_TEST_VALUE", "fallback")).To(Equal("set"))
		})

		It("falls back on non-numeric values for the int variant", func() {
			Expect(os.Setenv("ENVCORE_TEST_VALUE", "lots")).To(Succeed())
			Expect(utils.EnvOrDefaultInt("ENVCORE_TEST_VALUE", 42)).To(Equal(42))
			Expect(os.Setenv("ENVCORE_TEST_VALUE", "7")).To(Succeed())
			Expect(utils.EnvOrDefaultInt("ENVCORE_TEST_VALUE", 42)).To(Equal(7))
		})
	})

	Context("CreateIfNotExists", func() {
		It("creates missing directories and leaves existing ones alone", func() {
			fs, cleanup, err := vfst.NewTestFS(map[string]interface{}{
				"/present/keep.txt": "data",
			})
			Expect(err).ToNot(HaveOccurred())
			defer cleanup()

			Expect(utils.CreateIfNotExists(fs, "/fresh/nested")).To(Succeed())
			info, err := fs.Stat("/fresh/nested")
			Expect(err).ToNot(HaveOccurred())
			Expect(info.IsDir()).To(BeTrue())

			Expect(utils.CreateIfNotExists(fs, "/present")).To(Succeed())
			_, err = fs.ReadFile("/present/keep.txt")
			Expect(err).ToNot(HaveOccurred())
		})
	})

	Context("HostRunner", func() {
		It("returns combined output and a wrapped error on failure", func() {
			out, err := utils.HostRunner{}.Run(context.Background(), "sh", "-c", "echo oops >&2; exit 3")
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("failed to run sh"))
			Expect(out).To(ContainSubstring("oops"))
		})

		It("captures stdout on success", func() {
			out, err := utils.HostRunner{}.Run(context.Background(), "sh", "-c", "echo fine")
			Expect(err).ToNot(HaveOccurred())
			Expect(out).To(ContainSubstring("fine"))
		})
	})

	Context("FreeSpace", func() {
		It("reports a positive figure for the working directory", func() {
			free, err := utils.FreeSpace(".")
			Expect(err).ToNot(HaveOccurred())
			Expect(free).To(BeNumerically(">", 0))
		})
	})
})
