package image

import (
	"encoding/json"
	"fmt"
	"path"
	"path/filepath"
	"sort"
	"strings"

	cnst "github.com/envcore/envcore/internal/constants"
	"github.com/envcore/envcore/pkg/bootstrap"
	"github.com/envcore/envcore/pkg/manifest"
	"github.com/envcore/envcore/pkg/schema"
)

// Render produces the Dockerfile for a plan. The output is a pure function
// of plan and manifest: sections come in a fixed order and map-valued fields
// are emitted in sorted key order, so equal inputs render byte-identical
// files. The digest-based rebuild check depends on that.
func Render(plan *schema.Plan, m *manifest.Manifest) []byte {
	var b strings.Builder

	fmt.Fprintf(&b, "# Rendered by envcore for plan %q. Edits will be overwritten.\n", plan.Name)
	fmt.Fprintf(&b, "FROM %s\n\n", plan.Base)

	fmt.Fprintf(&b, "ENV DEBIAN_FRONTEND=noninteractive TZ=%s\n\n", plan.Timezone)

	if pkgs := systemPackages(plan); len(pkgs) > 0 {
		b.WriteString("RUN apt-get update \\\n")
		fmt.Fprintf(&b, "    && apt-get install -y --no-install-recommends %s \\\n", strings.Join(pkgs, " "))
		b.WriteString("    && rm -rf /var/lib/apt/lists/*\n\n")
	}

	if plan.Runtime.Node != "" {
		fmt.Fprintf(&b, "RUN curl -fsSL https://deb.nodesource.com/setup_%s.x | bash - \\\n", plan.Runtime.Node)
		b.WriteString("    && apt-get install -y --no-install-recommends nodejs \\\n")
		b.WriteString("    && rm -rf /var/lib/apt/lists/*\n\n")
	}

	fmt.Fprintf(&b, "RUN groupadd --gid %d %s \\\n", plan.User.GID, plan.User.Name)
	fmt.Fprintf(&b, "    && useradd --uid %d --gid %d --create-home --shell /bin/bash %s\n\n",
		plan.User.UID, plan.User.GID, plan.User.Name)

	if len(plan.Env) > 0 {
		b.WriteString("ENV")
		for _, k := range sortedKeys(plan.Env) {
			fmt.Fprintf(&b, " %s=%q", k, plan.Env[k])
		}
		b.WriteString("\n\n")
	}

	fmt.Fprintf(&b, "WORKDIR %s\n\n", plan.Workdir)

	for _, f := range ContextFiles(m) {
		fmt.Fprintf(&b, "COPY %s %s\n", f, path.Join(plan.Workdir, f))
	}
	b.WriteString("\n")

	for _, hook := range plan.Hooks.PreInstall {
		fmt.Fprintf(&b, "RUN %s\n", hook)
	}
	if len(plan.Hooks.PreInstall) > 0 {
		b.WriteString("\n")
	}

	// The bootstrap chain is the same command sequence a host provision
	// runs, so image and host environments cannot drift apart.
	cmds := bootstrap.CommandSequence("python3", plan.EnvDir, rootContextPath(m), m.Options, true)
	lines := make([]string, len(cmds))
	for i, cmd := range cmds {
		lines[i] = cmd.String()
	}
	fmt.Fprintf(&b, "RUN %s\n\n", strings.Join(lines, " \\\n    && "))

	fmt.Fprintf(&b, "ENV PATH=%s %s=1\n\n", path.Join(plan.EnvDir, "bin")+":$PATH", cnst.EnvBootstrapped)

	for _, hook := range plan.Hooks.PostInstall {
		fmt.Fprintf(&b, "RUN %s\n", hook)
	}
	if len(plan.Hooks.PostInstall) > 0 {
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "RUN chown -R %d:%d %s\n\n", plan.User.UID, plan.User.GID, plan.Workdir)

	if len(plan.Labels) > 0 {
		b.WriteString("LABEL")
		for _, k := range sortedKeys(plan.Labels) {
			fmt.Fprintf(&b, " %s=%q", k, plan.Labels[k])
		}
		b.WriteString("\n\n")
	}

	fmt.Fprintf(&b, "USER %s\n", plan.User.Name)

	if len(plan.Entrypoint) > 0 {
		entry, _ := json.Marshal(plan.Entrypoint)
		fmt.Fprintf(&b, "\nENTRYPOINT %s\n", entry)
	}

	return []byte(b.String())
}

// systemPackages merges the plan's package list with what the render itself
// needs. The nodesource setup script downloads over https, so asking for
// node implies curl and its CA bundle.
func systemPackages(plan *schema.Plan) []string {
	pkgs := append([]string{}, plan.SystemPackages...)
	if plan.Runtime.Node != "" {
		pkgs = append(pkgs, "ca-certificates", "curl")
	}
	sort.Strings(pkgs)
	return dedupeSorted(pkgs)
}

func dedupeSorted(s []string) []string {
	var out []string
	for i, v := range s {
		if i == 0 || v != s[i-1] {
			out = append(out, v)
		}
	}
	return out
}

// ContextFiles returns the in-context path of every manifest file, root
// first. Paths are made relative to the root manifest's directory, a file
// living outside that tree collapses to its base name.
func ContextFiles(m *manifest.Manifest) []string {
	root := filepath.Dir(filepath.Clean(m.Path))
	var files []string
	for _, f := range m.Files {
		files = append(files, contextPath(root, f))
	}
	return files
}

func rootContextPath(m *manifest.Manifest) string {
	return contextPath(filepath.Dir(filepath.Clean(m.Path)), filepath.Clean(m.Path))
}

func contextPath(root, file string) string {
	rel, err := filepath.Rel(root, file)
	if err != nil || strings.HasPrefix(rel, "..") {
		return filepath.Base(file)
	}
	return filepath.ToSlash(rel)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
