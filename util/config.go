package util

import (
	_ "embed"
	"fmt"
	"os"
	"strconv"

	"github.com/charmbracelet/log"
	"gopkg.in/yaml.v3"
)

const Name = "pangolin"
const ConfigFileName = "config.yaml"

//go:embed config_default.yaml
var embeddedConfig []byte

type AppConfig struct {
	Conf struct {
		Host            string
		HttpPort        int    `yaml:"httpPort"`
		Domain          string `yaml:"domain"`
		Federation      bool   `yaml:"federation"`
		DeliveryWorkers int    `yaml:"deliveryWorkers"`
	}
}

func ReadConf() (*AppConfig, error) {

	c := &AppConfig{}

	// Try to resolve config file path (local first, then user dir)
	configPath := ResolveFilePath(ConfigFileName)

	var buf []byte
	var err error

	buf, err = os.ReadFile(configPath)
	if err != nil {
		// If file doesn't exist, use embedded config and create user config file
		log.Infof("Config file not found at %s, using embedded defaults", configPath)
		buf = embeddedConfig

		configDir, dirErr := GetConfigDir()
		if dirErr == nil {
			userConfigPath := configDir + "/" + ConfigFileName
			writeErr := os.WriteFile(userConfigPath, embeddedConfig, 0644)
			if writeErr != nil {
				log.Warnf("Could not write default config to %s: %v", userConfigPath, writeErr)
			} else {
				log.Infof("Created default config file at %s", userConfigPath)
			}
		}
	}

	err = yaml.Unmarshal(buf, c)
	if err != nil {
		return nil, fmt.Errorf("in config file: %w", err)
	}

	envHost := os.Getenv("PANGOLIN_HOST")
	envHttpPort := os.Getenv("PANGOLIN_HTTPPORT")
	envDomain := os.Getenv("PANGOLIN_DOMAIN")
	envFederation := os.Getenv("PANGOLIN_FEDERATION")
	envWorkers := os.Getenv("PANGOLIN_DELIVERY_WORKERS")

	if envHost != "" {
		c.Conf.Host = envHost
	}

	if envHttpPort != "" {
		v, err := strconv.Atoi(envHttpPort)
		if err != nil {
			log.Warnf("Invalid PANGOLIN_HTTPPORT: %v", err)
		} else {
			c.Conf.HttpPort = v
		}
	}

	if envDomain != "" {
		c.Conf.Domain = envDomain
	}

	if envFederation == "true" {
		c.Conf.Federation = true
	}

	if envWorkers != "" {
		v, err := strconv.Atoi(envWorkers)
		if err != nil {
			log.Warnf("Invalid PANGOLIN_DELIVERY_WORKERS: %v", err)
		} else {
			c.Conf.DeliveryWorkers = v
		}
	}

	if c.Conf.DeliveryWorkers <= 0 {
		c.Conf.DeliveryWorkers = 5
	}

	return c, nil
}
