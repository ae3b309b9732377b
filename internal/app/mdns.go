package app

import (
	"fmt"
	"os"
	"strings"

	"github.com/grandcat/zeroconf"
)

const (
	mdnsServiceType = "_waveos-directory._tcp"
	mdnsDomain      = "local."
)

// startMDNS advertises the directory so devices on the LAN can find its HTTP
// API and MQTT broker without configuration.
func (a *App) startMDNS(mqttPort int) error {
	if mqttPort <= 0 {
		return fmt.Errorf("invalid port %d", mqttPort)
	}

	a.stopMDNS()

	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "waveos"
	}

	instance := sanitizeMDNSInstance(fmt.Sprintf("WaveOS Directory (%s)", hostname))
	hostFQDN := sanitizeMDNSHost(hostname)
	if !strings.Contains(hostFQDN, ".") {
		hostFQDN += ".local"
	}

	txt := []string{
		fmt.Sprintf("http_port=%d", a.cfg.HTTPPort),
		fmt.Sprintf("mqtt_port=%d", mqttPort),
		"proto=v1",
		fmt.Sprintf("host=%s", hostFQDN),
	}

	server, err := zeroconf.Register(instance, mdnsServiceType, mdnsDomain, a.cfg.HTTPPort, txt, nil)
	if err != nil {
		return err
	}

	a.mdns = server
	a.logger.Info("mDNS advertisement started", "instance", instance, "http_port", a.cfg.HTTPPort, "mqtt_port", mqttPort)
	return nil
}

func (a *App) stopMDNS() {
	if a.mdns == nil {
		return
	}

	a.mdns.Shutdown()
	a.logger.Info("mDNS advertisement stopped")
	a.mdns = nil
}

func sanitizeMDNSInstance(name string) string {
	cleaned := strings.NewReplacer("\n", " ", "\r", " ", ".", " ", "_", " ").Replace(strings.TrimSpace(name))
	cleaned = strings.TrimSpace(cleaned)
	if cleaned == "" {
		cleaned = "WaveOS Directory"
	}
	return truncateRunes(cleaned, 63)
}

func sanitizeMDNSHost(name string) string {
	cleaned := strings.NewReplacer(" ", "-", "_", "-", "\n", "", "\r", "").Replace(strings.TrimSpace(strings.ToLower(name)))
	if cleaned == "" {
		cleaned = "waveos"
	}
	// Host labels must be <=63 characters.
	return truncateRunes(cleaned, 63)
}

func truncateRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
