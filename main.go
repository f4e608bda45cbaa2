package main

import (
	"crypto/tls"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"

	"code.cloudfoundry.org/clock"
	"code.cloudfoundry.org/lager"
	"github.com/pivotal-cf/brokerapi"

	"github.com/alphagov/paas-helm-broker/broker"
	"github.com/alphagov/paas-helm-broker/catalog"
	"github.com/alphagov/paas-helm-broker/helm"
	"github.com/alphagov/paas-helm-broker/reaper"
	"github.com/alphagov/paas-helm-broker/store"
	"github.com/alphagov/paas-helm-broker/task"
)

var configFilePath string

func main() {
	flag.StringVar(&configFilePath, "config", "", "Location of the config file")
	flag.Parse()

	file, err := os.Open(configFilePath)
	if err != nil {
		log.Fatalf("Error opening config file %s: %s\n", configFilePath, err)
	}
	defer file.Close()

	config, err := broker.NewConfig(file)
	if err != nil {
		log.Fatalf("Error validating config file: %v\n", err)
	}

	logger := lager.NewLogger("helm-service-broker")
	logger.RegisterSink(lager.NewWriterSink(os.Stdout, config.API.LagerLogLevel))

	addons, err := catalog.New(config.Helm.AddonsPath())
	if err != nil {
		log.Fatalf("Error loading addon catalog: %v\n", err)
	}

	metadataStore, err := store.New(config.Helm.InstancesPath(), clock.NewClock())
	if err != nil {
		log.Fatalf("Error opening instance store: %v\n", err)
	}

	cli := helm.NewCLI(config.Helm.Binary, config.Helm.InstancesPath(), logger)

	pool := task.NewPool(cli, metadataStore, config.Helm.Workers, config.Helm.TaskTimeout(), logger)
	pool.Start()
	defer pool.Stop()

	sweeper := reaper.New(metadataStore, pool, clock.NewClock(), config.Helm.ReaperInterval(), config.Helm.InstanceStaleAfter(), logger)
	stop := make(chan struct{})
	defer close(stop)
	go sweeper.Run(stop)

	helmBroker := broker.New(addons, metadataStore, pool, logger)

	brokerAPI := brokerapi.New(helmBroker, logger, brokerapi.BrokerCredentials{
		Username: config.API.BasicAuthUsername,
		Password: config.API.BasicAuthPassword,
	})

	listenAddress := fmt.Sprintf("%s:%s", config.API.Host, config.API.Port)
	listener, err := net.Listen("tcp", listenAddress)
	if err != nil {
		log.Fatalf("Error listening to port %s: %s", config.API.Port, err)
	}
	if config.API.TLSEnabled() {
		tlsConfig, err := config.API.TLS.GenerateTLSConfig()
		if err != nil {
			log.Fatalf("Error configuring TLS: %s", err)
		}
		listener = tls.NewListener(listener, tlsConfig)
		fmt.Printf("Helm Service Broker started https://%s...\n", listenAddress)
	} else {
		fmt.Printf("Helm Service Broker started http://%s...\n", listenAddress)
	}
	http.Serve(listener, brokerAPI)
}
