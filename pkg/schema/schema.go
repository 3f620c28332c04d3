package schema

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	cnst "github.com/envcore/envcore/internal/constants"
	internalUtils "github.com/envcore/envcore/internal/utils"
	envErrors "github.com/envcore/envcore/pkg/errors"
	"github.com/hashicorp/go-multierror"
	"github.com/twpayne/go-vfs/v4"
	"gopkg.in/yaml.v3"
)

// Plan describes one image build: the base, the runtimes layered on top,
// the unprivileged user and the manifest bootstrap chained at the end.
type Plan struct {
	Name           string            `yaml:"name"`
	Base           string            `yaml:"base,omitempty"`
	Timezone       string            `yaml:"timezone,omitempty"`
	SystemPackages []string          `yaml:"system_packages,omitempty"`
	Runtime        Runtime           `yaml:"runtime,omitempty"`
	User           User              `yaml:"user,omitempty"`
	Env            map[string]string `yaml:"env,omitempty"`
	Manifest       string            `yaml:"manifest,omitempty"`
	Workdir        string            `yaml:"workdir,omitempty"`
	EnvDir         string            `yaml:"env_dir,omitempty"`
	Labels         map[string]string `yaml:"labels,omitempty"`
	Hooks          Hooks             `yaml:"hooks,omitempty"`
	Entrypoint     []string          `yaml:"entrypoint,omitempty"`
}

// Runtime pins the interpreter versions baked into the image.
type Runtime struct {
	Python string `yaml:"python,omitempty"`
	// Node is the auxiliary runtime major, empty leaves node out entirely.
	Node string `yaml:"node,omitempty"`
}

// User is the unprivileged account the image runs as.
type User struct {
	Name string `yaml:"name,omitempty"`
	UID  int    `yaml:"uid,omitempty"`
	GID  int    `yaml:"gid,omitempty"`
}

// Hooks are extra shell commands spliced into the build, before and after
// the manifest install.
type Hooks struct {
	PreInstall  []string `yaml:"pre_install,omitempty"`
	PostInstall []string `yaml:"post_install,omitempty"`
}

var nameRegexp = regexp.MustCompile(`^[a-z0-9]([a-z0-9._/-]*[a-z0-9])?(:[A-Za-z0-9._-]+)?$`)
var pythonVersionRegexp = regexp.MustCompile(`^[0-9]+\.[0-9]+$`)
var nodeVersionRegexp = regexp.MustCompile(`^[0-9]+$`)

// LoadPlan reads and decodes a plan file. Unknown fields are rejected, a
// typoed key silently dropping a layer is worse than an error.
func LoadPlan(fsys vfs.FS, path string) (*Plan, error) {
	data, err := fsys.ReadFile(path)
	if err != nil {
		return nil, envErrors.NewPlanNotFoundError(path, err)
	}
	plan := &Plan{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(plan); err != nil {
		return nil, envErrors.NewPlanInvalidError(fmt.Sprintf("cannot decode %s", path), err)
	}
	plan.ApplyEnvOverrides()
	plan.ApplyDefaults()
	return plan, nil
}

// ApplyEnvOverrides lets the environment win over the plan file for the
// fields operators commonly need to pin per machine.
func (p *Plan) ApplyEnvOverrides() {
	p.Base = internalUtils.EnvOrDefault("ENVCORE_BASE", p.Base)
	p.Timezone = internalUtils.EnvOrDefault("ENVCORE_TZ", p.Timezone)
	p.Runtime.Python = internalUtils.EnvOrDefault("ENVCORE_PYTHON_VERSION", p.Runtime.Python)
	p.Runtime.Node = internalUtils.EnvOrDefault("ENVCORE_NODE_VERSION", p.Runtime.Node)
	p.User.UID = internalUtils.EnvOrDefaultInt("ENVCORE_UID", p.User.UID)
	p.User.GID = internalUtils.EnvOrDefaultInt("ENVCORE_GID", p.User.GID)
}

// ApplyDefaults fills whatever is still empty after file and environment had
// their say.
func (p *Plan) ApplyDefaults() {
	if p.Runtime.Python == "" {
		p.Runtime.Python = cnst.DefaultPythonVersion
	}
	if p.Base == "" {
		p.Base = fmt.Sprintf(cnst.DefaultBaseImagePattern, p.Runtime.Python)
	}
	if p.Timezone == "" {
		p.Timezone = cnst.DefaultTimezone
	}
	if p.User.Name == "" {
		p.User.Name = cnst.DefaultUserName
	}
	if p.User.UID == 0 {
		p.User.UID = cnst.DefaultUserID
	}
	if p.User.GID == 0 {
		p.User.GID = cnst.DefaultGroupID
	}
	if p.Manifest == "" {
		p.Manifest = cnst.DefaultManifest
	}
	if p.Workdir == "" {
		p.Workdir = cnst.DefaultWorkdir
	}
	if p.EnvDir == "" {
		p.EnvDir = filepath.Join("/opt", "venv")
	}
	p.SystemPackages = internalUtils.UniqueSlice(internalUtils.CleanupSlice(p.SystemPackages))
}

// Validate collects every problem with the plan instead of stopping at the
// first one.
func (p *Plan) Validate() error {
	var allErrors error
	if p.Name == "" {
		allErrors = multierror.Append(allErrors, fmt.Errorf("name is required"))
	} else if !nameRegexp.MatchString(p.Name) {
		allErrors = multierror.Append(allErrors, fmt.Errorf("name %q is not a valid image name", p.Name))
	}
	if !pythonVersionRegexp.MatchString(p.Runtime.Python) {
		allErrors = multierror.Append(allErrors, fmt.Errorf("runtime.python %q must look like major.minor", p.Runtime.Python))
	}
	if p.Runtime.Node != "" && !nodeVersionRegexp.MatchString(p.Runtime.Node) {
		allErrors = multierror.Append(allErrors, fmt.Errorf("runtime.node %q must be a bare major version", p.Runtime.Node))
	}
	if p.User.UID == 0 {
		allErrors = multierror.Append(allErrors, fmt.Errorf("user.uid must not be 0, images run unprivileged"))
	}
	if p.User.GID == 0 {
		allErrors = multierror.Append(allErrors, fmt.Errorf("user.gid must not be 0, images run unprivileged"))
	}
	if p.User.Name == "root" {
		allErrors = multierror.Append(allErrors, fmt.Errorf("user.name must not be root"))
	}
	if !filepath.IsAbs(p.Workdir) {
		allErrors = multierror.Append(allErrors, fmt.Errorf("workdir %q must be absolute", p.Workdir))
	}
	if !filepath.IsAbs(p.EnvDir) {
		allErrors = multierror.Append(allErrors, fmt.Errorf("env_dir %q must be absolute", p.EnvDir))
	}
	for _, hook := range append(append([]string{}, p.Hooks.PreInstall...), p.Hooks.PostInstall...) {
		if strings.TrimSpace(hook) == "" {
			allErrors = multierror.Append(allErrors, fmt.Errorf("hooks must not contain empty commands"))
		}
	}
	return allErrors
}

// Tag returns the image reference to build. A name already carrying a tag is
// used as-is.
func (p *Plan) Tag() string {
	if strings.Contains(p.Name, ":") {
		return p.Name
	}
	return p.Name + ":latest"
}

// Digest fingerprints everything that influences the rendered build, field
// by field in a fixed order. Two equal plans always digest the same, so a
// rebuilt image can be recognized without running the build.
func (p *Plan) Digest() string {
	h := sha256.New()
	fmt.Fprintln(h, "name:", p.Name)
	fmt.Fprintln(h, "base:", p.Base)
	fmt.Fprintln(h, "timezone:", p.Timezone)
	fmt.Fprintln(h, "system_packages:", strings.Join(p.SystemPackages, " "))
	fmt.Fprintln(h, "python:", p.Runtime.Python)
	fmt.Fprintln(h, "node:", p.Runtime.Node)
	fmt.Fprintf(h, "user: %s %d %d\n", p.User.Name, p.User.UID, p.User.GID)
	for _, k := range sortedKeys(p.Env) {
		fmt.Fprintf(h, "env: %s=%s\n", k, p.Env[k])
	}
	fmt.Fprintln(h, "manifest:", p.Manifest)
	fmt.Fprintln(h, "workdir:", p.Workdir)
	fmt.Fprintln(h, "env_dir:", p.EnvDir)
	for _, k := range sortedKeys(p.Labels) {
		fmt.Fprintf(h, "label: %s=%s\n", k, p.Labels[k])
	}
	for _, hook := range p.Hooks.PreInstall {
		fmt.Fprintln(h, "pre_install:", hook)
	}
	for _, hook := range p.Hooks.PostInstall {
		fmt.Fprintln(h, "post_install:", hook)
	}
	fmt.Fprintln(h, "entrypoint:", strings.Join(p.Entrypoint, " "))
	return fmt.Sprintf("%x", h.Sum(nil))
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
