package dag_test

import (
	"github.com/envcore/envcore/pkg/bootstrap"
	"github.com/envcore/envcore/pkg/dag"
	"github.com/envcore/envcore/pkg/image"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/spectrocloud-labs/herd"
)

var _ = Describe("wiring the step graphs", func() {
	var g *herd.Graph

	BeforeEach(func() {
		g = herd.DAG(herd.EnableInit)
		Expect(g).ToNot(BeNil())
	})

	Context("bootstrap", func() {
		It("generates the sequential provisioning dag", func() {
			s := bootstrap.NewState(".venv", "requirements.txt")

			err := dag.RegisterBootstrap(s, g)
			Expect(err).ToNot(HaveOccurred())

			checkBootstrapDag(g.Analyze(), s.WriteDAG(g))
		})

		It("generates the read-only verify dag", func() {
			s := bootstrap.NewState(".venv", "requirements.txt")

			err := dag.RegisterVerify(s, g)
			Expect(err).ToNot(HaveOccurred())

			d := g.Analyze()
			Expect(len(d)).To(Equal(3), s.WriteDAG(g))
			Expect(d[0][0].Name).To(Equal("init"))
			Expect(d[1][0].Name).To(Equal("preflight"), s.WriteDAG(g))
			Expect(d[2][0].Name).To(Equal("verify-env"), s.WriteDAG(g))
		})
	})

	Context("image build", func() {
		It("generates the build dag with render and engine detection side by side", func() {
			s := image.NewState("envcore.yaml")

			err := dag.RegisterBuild(s, g)
			Expect(err).ToNot(HaveOccurred())

			checkBuildDag(g.Analyze(), s.WriteDAG(g))
		})
	})
})

func checkBootstrapDag(d [][]herd.GraphEntry, actualDag string) {
	Expect(len(d)).To(Equal(7), actualDag)
	for _, layer := range d {
		Expect(len(layer)).To(Equal(1), actualDag)
	}
	Expect(d[0][0].Name).To(Equal("init"))
	Expect(d[1][0].Name).To(Equal("preflight"), actualDag)
	Expect(d[2][0].Name).To(Equal("create-env"), actualDag)
	Expect(d[3][0].Name).To(Equal("seed-upgrade"), actualDag)
	Expect(d[4][0].Name).To(Equal("install-deps"), actualDag)
	Expect(d[5][0].Name).To(Equal("verify-env"), actualDag)
	Expect(d[6][0].Name).To(Equal("record-state"), actualDag)
}

func checkBuildDag(d [][]herd.GraphEntry, actualDag string) {
	Expect(len(d)).To(Equal(7), actualDag)
	Expect(len(d[0])).To(Equal(1), actualDag)
	Expect(len(d[1])).To(Equal(1), actualDag)
	Expect(len(d[2])).To(Equal(2), actualDag)
	Expect(len(d[3])).To(Equal(1), actualDag)
	Expect(len(d[4])).To(Equal(1), actualDag)
	Expect(len(d[5])).To(Equal(1), actualDag)
	Expect(len(d[6])).To(Equal(1), actualDag)

	Expect(d[0][0].Name).To(Equal("init"))
	Expect(d[1][0].Name).To(Equal("validate-plan"), actualDag)
	Expect(d[2][0].Name).To(Or(Equal("resolve-engine"), Equal("render-dockerfile")), actualDag)
	Expect(d[2][1].Name).To(Or(Equal("resolve-engine"), Equal("render-dockerfile")), actualDag)
	Expect(d[3][0].Name).To(Equal("prepare-context"), actualDag)
	Expect(d[4][0].Name).To(Equal("build-image"), actualDag)
	Expect(d[5][0].Name).To(Equal("verify-image"), actualDag)
	Expect(d[6][0].Name).To(Equal("record-build"), actualDag)
}
