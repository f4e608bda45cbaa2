package broker_test

import (
	"strings"
	"time"

	"code.cloudfoundry.org/lager"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/alphagov/paas-helm-broker/broker"
)

var _ = Describe("Config", func() {
	It("fills in defaults for everything but credentials and the root dir", func() {
		source := strings.NewReader(`{
			"basic_auth_username": "admin",
			"basic_auth_password": "passw0rd",
			"root_dir": "/var/lib/helm-broker"
		}`)

		config, err := broker.NewConfig(source)
		Expect(err).NotTo(HaveOccurred())

		Expect(config.API.Port).To(Equal("3000"))
		Expect(config.API.Host).To(Equal("0.0.0.0"))
		Expect(config.API.LagerLogLevel).To(Equal(lager.DEBUG))
		Expect(config.API.TLSEnabled()).To(BeFalse())

		Expect(config.Helm.Binary).To(Equal("helm"))
		Expect(config.Helm.Workers).To(Equal(4))
		Expect(config.Helm.TaskTimeout()).To(Equal(30 * time.Minute))
		Expect(config.Helm.ReaperInterval()).To(Equal(time.Hour))
		Expect(config.Helm.InstanceStaleAfter()).To(Equal(24 * time.Hour))

		Expect(config.Helm.AddonsPath()).To(Equal("/var/lib/helm-broker/addons"))
		Expect(config.Helm.InstancesPath()).To(Equal("/var/lib/helm-broker/instances"))
	})

	It("honours explicit settings", func() {
		source := strings.NewReader(`{
			"basic_auth_username": "admin",
			"basic_auth_password": "passw0rd",
			"port": "8443",
			"log_level": "info",
			"root_dir": "/data",
			"helm_binary": "/usr/local/bin/helm3",
			"workers": 8,
			"task_timeout_seconds": 120,
			"reaper_interval_seconds": 300,
			"instance_stale_hours": 6
		}`)

		config, err := broker.NewConfig(source)
		Expect(err).NotTo(HaveOccurred())

		Expect(config.API.Port).To(Equal("8443"))
		Expect(config.API.LagerLogLevel).To(Equal(lager.INFO))
		Expect(config.Helm.Binary).To(Equal("/usr/local/bin/helm3"))
		Expect(config.Helm.Workers).To(Equal(8))
		Expect(config.Helm.TaskTimeout()).To(Equal(2 * time.Minute))
		Expect(config.Helm.ReaperInterval()).To(Equal(5 * time.Minute))
		Expect(config.Helm.InstanceStaleAfter()).To(Equal(6 * time.Hour))
	})

	It("rejects missing credentials", func() {
		_, err := broker.NewConfig(strings.NewReader(`{"root_dir": "/data"}`))
		Expect(err).To(MatchError("Config error: basic auth username required"))
	})

	It("rejects a missing root dir", func() {
		_, err := broker.NewConfig(strings.NewReader(`{
			"basic_auth_username": "admin",
			"basic_auth_password": "passw0rd"
		}`))
		Expect(err).To(MatchError("Config error: root_dir required"))
	})

	It("rejects an unknown log level", func() {
		_, err := broker.NewConfig(strings.NewReader(`{
			"basic_auth_username": "admin",
			"basic_auth_password": "passw0rd",
			"root_dir": "/data",
			"log_level": "loud"
		}`))
		Expect(err).To(MatchError(ContainSubstring("does not map to a Lager log level")))
	})

	It("rejects TLS config without a key pair", func() {
		_, err := broker.NewConfig(strings.NewReader(`{
			"basic_auth_username": "admin",
			"basic_auth_password": "passw0rd",
			"root_dir": "/data",
			"tls": {"certificate": "pem"}
		}`))
		Expect(err).To(MatchError("Config error: TLS private key required"))
	})
})
