package bootstrap_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	cnst "github.com/envcore/envcore/internal/constants"
	"github.com/envcore/envcore/pkg/bootstrap"
	"github.com/envcore/envcore/pkg/dag"
	envErrors "github.com/envcore/envcore/pkg/errors"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/spectrocloud-labs/herd"
	"github.com/twpayne/go-vfs/v4"
	"github.com/twpayne/go-vfs/v4/vfst"
)

// fakeRunner records every command and answers from substring-keyed tables,
// so a test never spawns a process.
type fakeRunner struct {
	mu      sync.Mutex
	calls   []string
	outputs map[string]string
	errs    map[string]error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		outputs: map[string]string{"--version": "Python 3.11.9"},
		errs:    map[string]error{},
	}
}

func (r *fakeRunner) Run(_ context.Context, name string, args ...string) (string, error) {
	cmd := strings.Join(append([]string{name}, args...), " ")
	r.mu.Lock()
	r.calls = append(r.calls, cmd)
	r.mu.Unlock()
	for key, err := range r.errs {
		if strings.Contains(cmd, key) {
			return r.outputs[key], err
		}
	}
	for key, out := range r.outputs {
		if strings.Contains(cmd, key) {
			return out, nil
		}
	}
	return "", nil
}

func (r *fakeRunner) called(sub string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.calls {
		if strings.Contains(c, sub) {
			return true
		}
	}
	return false
}

// opError digs the recorded error of one op out of the analyzed graph.
func opError(g *herd.Graph, name string) error {
	for _, layer := range g.Analyze() {
		for _, op := range layer {
			if op.Name == name {
				return op.Error
			}
		}
	}
	return nil
}

var _ = Describe("provisioning an environment", func() {
	var fs vfs.FS
	var cleanup func()
	var runner *fakeRunner
	var g *herd.Graph

	BeforeEach(func() {
		var err error
		fs, cleanup, err = vfst.NewTestFS(map[string]interface{}{
			"/work/requirements.txt": "streamlit\nopenai\n",
		})
		Expect(err).ToNot(HaveOccurred())
		runner = newFakeRunner()
		g = herd.DAG(herd.EnableInit)
	})

	AfterEach(func() {
		cleanup()
	})

	newState := func() *bootstrap.State {
		return &bootstrap.State{
			EnvDir:       "/work/.venv",
			ManifestPath: "/work/requirements.txt",
			FS:           fs,
			Runner:       runner,
		}
	}

	Context("happy path", func() {
		BeforeEach(func() {
			runner.outputs["freeze"] = "streamlit==1.29.0\nopenai==1.3.5\n"
		})

		It("runs the whole chain in order and records the result", func() {
			s := newState()
			Expect(dag.RegisterBootstrap(s, g)).To(Succeed())
			Expect(g.Run(context.Background())).To(Succeed())

			Expect(runner.called("-m venv /work/.venv")).To(BeTrue(), s.WriteDAG(g))
			Expect(runner.called("pip install --upgrade pip setuptools wheel")).To(BeTrue())
			Expect(runner.called("pip install --no-input -r /work/requirements.txt")).To(BeTrue())
			Expect(runner.called("import streamlit")).To(BeTrue())
			Expect(runner.called("import openai")).To(BeTrue())

			freeze, err := fs.ReadFile("/work/.venv/.envcore/freeze.txt")
			Expect(err).ToNot(HaveOccurred())
			Expect(string(freeze)).To(ContainSubstring("streamlit==1.29.0"))

			rec, err := bootstrap.ReadRecord(fs, "/work/.venv")
			Expect(err).ToNot(HaveOccurred())
			Expect(rec.ManifestDigest).To(Equal(s.Manifest.Digest()))
			Expect(rec.PythonVersion).To(Equal("3.11.9"))
			Expect(rec.Entries).To(Equal(2))
		})

		It("no-ops when the environment already matches the manifest", func() {
			s := newState()
			Expect(dag.RegisterBootstrap(s, g)).To(Succeed())
			Expect(g.Run(context.Background())).To(Succeed())

			// The fake runner never creates the venv files, fake them so
			// the second run sees a valid environment.
			Expect(vfs.MkdirAll(fs, "/work/.venv/bin", 0o755)).To(Succeed())
			Expect(fs.WriteFile("/work/.venv/pyvenv.cfg", []byte("home = /usr/bin\n"), 0o644)).To(Succeed())
			Expect(fs.WriteFile("/work/.venv/bin/python", []byte{}, 0o755)).To(Succeed())

			second := newFakeRunner()
			s2 := &bootstrap.State{
				EnvDir:       "/work/.venv",
				ManifestPath: "/work/requirements.txt",
				FS:           fs,
				Runner:       second,
			}
			g2 := herd.DAG(herd.EnableInit)
			Expect(dag.RegisterBootstrap(s2, g2)).To(Succeed())
			Expect(g2.Run(context.Background())).To(Succeed())

			Expect(s2.UpToDate()).To(BeTrue(), s2.WriteDAG(g2))
			Expect(second.called("pip install")).To(BeFalse())
			Expect(second.called("-m venv")).To(BeFalse())
		})

		It("reinstalls with upgrade even when up to date", func() {
			s := newState()
			Expect(dag.RegisterBootstrap(s, g)).To(Succeed())
			Expect(g.Run(context.Background())).To(Succeed())

			Expect(vfs.MkdirAll(fs, "/work/.venv/bin", 0o755)).To(Succeed())
			Expect(fs.WriteFile("/work/.venv/pyvenv.cfg", []byte("home = /usr/bin\n"), 0o644)).To(Succeed())
			Expect(fs.WriteFile("/work/.venv/bin/python", []byte{}, 0o755)).To(Succeed())

			second := newFakeRunner()
			second.outputs["freeze"] = "streamlit==1.29.0\nopenai==1.3.5\n"
			s2 := &bootstrap.State{
				EnvDir:       "/work/.venv",
				ManifestPath: "/work/requirements.txt",
				FS:           fs,
				Runner:       second,
				Upgrade:      true,
			}
			g2 := herd.DAG(herd.EnableInit)
			Expect(dag.RegisterBootstrap(s2, g2)).To(Succeed())
			Expect(g2.Run(context.Background())).To(Succeed())

			Expect(s2.UpToDate()).To(BeFalse())
			Expect(second.called("pip install --no-input")).To(BeTrue())
		})
	})

	Context("missing manifest", func() {
		It("fails in preflight before anything runs", func() {
			s := &bootstrap.State{
				EnvDir:       "/work/.venv",
				ManifestPath: "/work/nope.txt",
				FS:           fs,
				Runner:       runner,
			}
			Expect(dag.RegisterBootstrap(s, g)).To(Succeed())
			_ = g.Run(context.Background())

			err := opError(g, cnst.OpPreflight)
			Expect(err).To(HaveOccurred(), s.WriteDAG(g))
			var classified envErrors.Error
			Expect(errors.As(err, &classified)).To(BeTrue())
			Expect(classified.ErrorCode).To(Equal(envErrors.ManifestNotFoundError))

			// Fail-fast means not even the interpreter probe happened.
			Expect(runner.calls).To(BeEmpty())
		})
	})

	Context("installer failures", func() {
		It("classifies an unresolvable requirement", func() {
			runner.errs["pip install --no-input"] = fmt.Errorf("exit status 1")
			runner.outputs["pip install --no-input"] = "ERROR: No matching distribution found for nosuchpkg==9.9"

			s := newState()
			Expect(dag.RegisterBootstrap(s, g)).To(Succeed())
			_ = g.Run(context.Background())

			err := opError(g, cnst.OpInstallDeps)
			Expect(err).To(HaveOccurred(), s.WriteDAG(g))
			var classified envErrors.Error
			Expect(errors.As(err, &classified)).To(BeTrue())
			Expect(classified.ErrorCode).To(Equal(envErrors.DependencyResolutionError))
			Expect(classified.Message).To(ContainSubstring("nosuchpkg==9.9"))

			// Failure is never reported as success: the record step must
			// not have written a receipt.
			_, recErr := bootstrap.ReadRecord(fs, "/work/.venv")
			Expect(recErr).To(HaveOccurred())
		})

		It("collects every failed import before reporting", func() {
			runner.errs["import streamlit"] = fmt.Errorf("exit status 1")
			runner.errs["import openai"] = fmt.Errorf("exit status 1")

			s := newState()
			Expect(dag.RegisterBootstrap(s, g)).To(Succeed())
			_ = g.Run(context.Background())

			err := opError(g, cnst.OpVerifyEnv)
			Expect(err).To(HaveOccurred(), s.WriteDAG(g))
			var classified envErrors.Error
			Expect(errors.As(err, &classified)).To(BeTrue())
			Expect(classified.ErrorCode).To(Equal(envErrors.VerificationFailedError))
			Expect(classified.Message).To(ContainSubstring("2 of 2"))
		})
	})

	Context("foreign target directory", func() {
		It("refuses a populated directory that is no environment", func() {
			Expect(vfs.MkdirAll(fs, "/work/.venv", 0o755)).To(Succeed())
			Expect(fs.WriteFile("/work/.venv/precious.txt", []byte("data"), 0o644)).To(Succeed())

			s := newState()
			Expect(dag.RegisterBootstrap(s, g)).To(Succeed())
			_ = g.Run(context.Background())

			err := opError(g, cnst.OpCreateEnv)
			Expect(err).To(HaveOccurred(), s.WriteDAG(g))
			var classified envErrors.Error
			Expect(errors.As(err, &classified)).To(BeTrue())
			Expect(classified.ErrorCode).To(Equal(envErrors.EnvCorruptError))
		})
	})
})

var _ = Describe("resolving interpreters", func() {
	It("takes the first candidate that answers with a usable version", func() {
		runner := newFakeRunner()
		interp, err := bootstrap.ResolveInterpreter(context.Background(), runner, "")
		Expect(err).ToNot(HaveOccurred())
		Expect(interp.Binary).To(Equal("python3"))
		Expect(interp.Version).To(Equal("3.11.9"))
	})

	It("rejects interpreters below the floor", func() {
		runner := newFakeRunner()
		runner.outputs["--version"] = "Python 2.7.18"
		_, err := bootstrap.ResolveInterpreter(context.Background(), runner, "")
		Expect(err).To(HaveOccurred())
		var classified envErrors.Error
		Expect(errors.As(err, &classified)).To(BeTrue())
		Expect(classified.ErrorCode).To(Equal(envErrors.InterpreterNotFoundError))
	})

	It("probes only the explicit binary when one is given", func() {
		runner := newFakeRunner()
		runner.errs["python3.12"] = fmt.Errorf("exec: not found")
		_, err := bootstrap.ResolveInterpreter(context.Background(), runner, "python3.12")
		Expect(err).To(HaveOccurred())
		Expect(runner.calls).To(HaveLen(1))
	})

	It("maps a version identifier to the versioned binary", func() {
		runner := newFakeRunner()
		interp, err := bootstrap.ResolveInterpreter(context.Background(), runner, "3.11")
		Expect(err).ToNot(HaveOccurred())
		Expect(interp.Binary).To(Equal("python3.11"))
		Expect(interp.Version).To(Equal("3.11.9"))
		Expect(runner.calls[0]).To(Equal("python3.11 --version"))
	})

	It("falls back to the usual names when the versioned binary is absent", func() {
		runner := newFakeRunner()
		runner.errs["python3.11 --version"] = fmt.Errorf("exec: not found")
		interp, err := bootstrap.ResolveInterpreter(context.Background(), runner, "3.11")
		Expect(err).ToNot(HaveOccurred())
		Expect(interp.Binary).To(Equal("python3"))
		Expect(interp.Version).To(Equal("3.11.9"))
	})

	It("refuses a fallback whose version differs from the identifier", func() {
		runner := newFakeRunner()
		runner.outputs["--version"] = "Python 3.12.1"
		runner.errs["python3.11 --version"] = fmt.Errorf("exec: not found")
		_, err := bootstrap.ResolveInterpreter(context.Background(), runner, "3.11")
		Expect(err).To(HaveOccurred())
		var classified envErrors.Error
		Expect(errors.As(err, &classified)).To(BeTrue())
		Expect(classified.ErrorCode).To(Equal(envErrors.InterpreterNotFoundError))
	})
})

var _ = Describe("classifying installer output", func() {
	It("maps permission markers before anything else", func() {
		err := bootstrap.ClassifyInstallFailure("/target", "OSError: [Errno 13] Permission denied: '/target'", fmt.Errorf("exit status 1"))
		var classified envErrors.Error
		Expect(errors.As(err, &classified)).To(BeTrue())
		Expect(classified.ErrorCode).To(Equal(envErrors.PermissionError))
	})

	It("maps network markers", func() {
		err := bootstrap.ClassifyInstallFailure("/target", "WARNING: Could not fetch URL https://pypi.org/simple/: connection error", fmt.Errorf("exit status 1"))
		Expect(bootstrap.IsNetworkError(err)).To(BeTrue())
	})

	It("maps resolver markers and names the requirement", func() {
		err := bootstrap.ClassifyInstallFailure("/target", "ERROR: Could not find a version that satisfies the requirement tenzorflow", fmt.Errorf("exit status 1"))
		var classified envErrors.Error
		Expect(errors.As(err, &classified)).To(BeTrue())
		Expect(classified.ErrorCode).To(Equal(envErrors.DependencyResolutionError))
		Expect(classified.Message).To(ContainSubstring("tenzorflow"))
	})

	It("passes unknown failures through untouched", func() {
		cause := fmt.Errorf("exit status 137")
		Expect(bootstrap.ClassifyInstallFailure("/target", "Killed", cause)).To(Equal(cause))
	})
})

var _ = Describe("command sequences", func() {
	It("chains venv creation, seed upgrade and install", func() {
		cmds := bootstrap.CommandSequence("python3", "/opt/venv", "requirements.txt", nil, true)
		Expect(cmds).To(HaveLen(3))
		Expect(cmds[0].String()).To(Equal("python3 -m venv /opt/venv"))
		Expect(cmds[1].String()).To(Equal("/opt/venv/bin/python -m pip install --upgrade pip setuptools wheel"))
		Expect(cmds[2].String()).To(Equal("/opt/venv/bin/python -m pip install --no-input --no-cache-dir -r requirements.txt"))
	})

	It("splices manifest options into the install call", func() {
		cmd := bootstrap.InstallCommand("/opt/venv/bin/python", "requirements.txt", []string{"--index-url https://pypi.example.internal/simple"}, false)
		Expect(cmd.String()).To(Equal("/opt/venv/bin/python -m pip install --no-input --index-url https://pypi.example.internal/simple -r requirements.txt"))
	})
})
