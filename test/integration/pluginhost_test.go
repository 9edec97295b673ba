// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

//go:build integration

package integration

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"github.com/holomush/pluginhost/internal/config"
	"github.com/holomush/pluginhost/internal/editorschema"
	"github.com/holomush/pluginhost/internal/host"
)

const updatedKubernetesEntry = `
return {
  plugin = {
    routes = {
      { path = "/nodes", id = "kubernetes.nodes", component = "NodeList" },
    },
  },
}
`

// testEnv is one running host over a copy of the bundled plugins.
type testEnv struct {
	dir    string
	host   *host.Host
	server *httptest.Server
}

// copyPlugins copies the repository's example plugins into a temp dir.
func copyPlugins() string {
	dir := GinkgoT().TempDir()
	Expect(os.CopyFS(dir, os.DirFS(filepath.Join("..", "..", "plugins")))).To(Succeed())
	return dir
}

func startHost(dir string, mutate func(*config.Config)) *testEnv {
	cfg := config.Defaults()
	cfg.PluginsDir = dir
	cfg.EditorFlushDelay = 5 * time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}

	h, err := host.New(cfg, host.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	Expect(err).NotTo(HaveOccurred())
	Expect(h.Start(context.Background())).To(Succeed())

	env := &testEnv{dir: dir, host: h, server: httptest.NewServer(h.Handler())}
	DeferCleanup(func() {
		env.server.Close()
		Expect(env.host.Close()).To(Succeed())
	})
	return env
}

func (e *testEnv) get(path string, out any) int {
	resp, err := http.Get(e.server.URL + path)
	Expect(err).NotTo(HaveOccurred())
	defer func() { _ = resp.Body.Close() }()
	if out != nil && resp.StatusCode == http.StatusOK {
		Expect(sonic.ConfigDefault.NewDecoder(resp.Body).Decode(out)).To(Succeed())
	}
	return resp.StatusCode
}

func (e *testEnv) post(path string) int {
	resp, err := http.Post(e.server.URL+path, "application/json", nil)
	Expect(err).NotTo(HaveOccurred())
	_ = resp.Body.Close()
	return resp.StatusCode
}

func (e *testEnv) generation(pluginID string) func() uint64 {
	return func() uint64 {
		inst, ok := e.host.Reloads().Get(pluginID)
		if !ok {
			return 0
		}
		return inst.Generation()
	}
}

func (e *testEnv) writeEntry(pluginID, source string) {
	Expect(os.WriteFile(filepath.Join(e.dir, pluginID, "entry.lua"), []byte(source), 0o600)).To(Succeed())
}

var _ = Describe("Plugin host", func() {
	var env *testEnv

	Describe("loading the bundled plugins", func() {
		BeforeEach(func() {
			env = startHost(copyPlugins(), nil)
		})

		It("mounts one route per plugin under its own id", func() {
			routes := env.host.Routes().AllPluginRoutes()
			paths := make([]string, 0, len(routes))
			for _, r := range routes {
				paths = append(paths, r.Path)
			}
			Expect(paths).To(Equal([]string{"aws", "core", "kubernetes"}))
		})

		It("renders nested plugin routes with their params", func() {
			var res host.RenderResult
			Expect(env.get("/_plugin/kubernetes/pods/api-7f9c", &res)).To(Equal(http.StatusOK))
			Expect(res.RouteID).To(Equal("kubernetes.pod"))
			Expect(res.Components).To(Equal([]string{"PodList", "PodDetail"}))
			Expect(res.Params).To(HaveKeyWithValue("name", "api-7f9c"))

			Expect(env.get("/_plugin/aws/buckets/logs/2026/01/app.log", &res)).To(Equal(http.StatusOK))
			Expect(res.RouteID).To(Equal("aws.object"))
			Expect(res.Params).To(HaveKeyWithValue("bucket", "logs"))
			Expect(res.Params).To(HaveKeyWithValue("*", "2026/01/app.log"))
		})

		It("collects navigation from every plugin", func() {
			nav := env.host.Extensions().List(host.ExtensionNavigation)
			Expect(nav).To(HaveLen(3))
			Expect(nav[2].Payload).To(HaveKeyWithValue("color", "#3b82f6"))
			Expect(env.host.Extensions().List(host.ExtensionDashboard)).To(HaveLen(1))
		})

		It("pushes manifest schemas to the editor", func() {
			Eventually(func() []editorschema.Schema {
				return env.host.Surface().Schemas(editorschema.LanguageYAML)
			}).Should(HaveLen(1))
			Eventually(func() []editorschema.Schema {
				return env.host.Surface().Schemas(editorschema.LanguageJSON)
			}).Should(HaveLen(1))

			Expect(env.host.Surface().Updates(editorschema.LanguageYAML)).To(BeNumerically(">=", 1))
			yaml := env.host.Surface().Schemas(editorschema.LanguageYAML)[0]
			Expect(yaml.FileMatch).To(Equal([]string{"*.k8s.yaml", "k8s/**/*.yaml"}))
			Expect(yaml.Schema).NotTo(BeNil())
		})

		It("reloads one plugin without touching the others", func() {
			env.writeEntry("kubernetes", updatedKubernetesEntry)
			Expect(env.post("/api/plugins/kubernetes/reload")).To(Equal(http.StatusAccepted))

			Eventually(env.generation("kubernetes")).Should(Equal(uint64(1)))
			Consistently(env.generation("aws"), 200*time.Millisecond).Should(Equal(uint64(0)))

			var res host.RenderResult
			Expect(env.get("/_plugin/kubernetes/nodes", &res)).To(Equal(http.StatusOK))
			Expect(res.Generation).To(Equal(uint64(1)))
			Expect(env.get("/_plugin/kubernetes/pods", nil)).To(Equal(http.StatusNotFound))
			Expect(env.get("/_plugin/aws/stacks", nil)).To(Equal(http.StatusOK))
		})

		It("keeps the previous window when a reload fails", func() {
			env.writeEntry("kubernetes", "return {")
			Expect(env.post("/api/plugins/kubernetes/reload")).To(Equal(http.StatusAccepted))

			Consistently(env.generation("kubernetes"), 300*time.Millisecond).Should(Equal(uint64(0)))
			Expect(env.get("/_plugin/kubernetes/pods", nil)).To(Equal(http.StatusOK))
		})
	})

	Describe("dev mode", func() {
		var devServer *httptest.Server

		BeforeEach(func() {
			dir := copyPlugins()
			devServer = httptest.NewServer(http.FileServer(http.Dir(filepath.Join(dir, "kubernetes"))))
			DeferCleanup(devServer.Close)

			u, err := url.Parse(devServer.URL)
			Expect(err).NotTo(HaveOccurred())
			manifestPath := filepath.Join(dir, "kubernetes", "plugin.yaml")
			manifest, err := os.ReadFile(manifestPath)
			Expect(err).NotTo(HaveOccurred())
			patched := strings.Replace(string(manifest), "port: 5174", "port: "+u.Port(), 1)
			Expect(os.WriteFile(manifestPath, []byte(patched), 0o600)).To(Succeed())

			env = startHost(dir, func(cfg *config.Config) {
				cfg.Dev = true
				cfg.DevHost = u.Hostname()
				cfg.DevWatch = true
				cfg.DevDebounce = 50 * time.Millisecond
			})
		})

		It("loads dev plugins from their dev server", func() {
			st, err := env.host.Status("kubernetes")
			Expect(err).NotTo(HaveOccurred())
			Expect(st.DevMode).To(BeTrue())
			Expect(st.Address).To(Equal(devServer.URL + "/entry.lua"))
			Expect(st.Error).To(BeEmpty())

			st, err = env.host.Status("aws")
			Expect(err).NotTo(HaveOccurred())
			Expect(st.DevMode).To(BeFalse(), "aws declares no dev server")
		})

		It("reloads a dev plugin when its sources change", func() {
			env.writeEntry("kubernetes", updatedKubernetesEntry)

			Eventually(env.generation("kubernetes"), 5*time.Second).Should(Equal(uint64(1)))
			Expect(env.generation("aws")()).To(Equal(uint64(0)))

			var res host.RenderResult
			Expect(env.get("/_plugin/kubernetes/nodes", &res)).To(Equal(http.StatusOK))
			Expect(res.RouteID).To(Equal("kubernetes.nodes"))
		})
	})
})
