package netflow

import pnet "github.com/jinmuyano/proctraffic"

const labelUnclassified = "OTHER"

type portKey struct {
	transport pnet.Transport
	port      uint16
}

// wellKnownPorts labels application protocols by port only, no payload is
// inspected.
var wellKnownPorts = map[portKey]string{
	{pnet.TransportTCP, 53}:  "DNS",
	{pnet.TransportUDP, 53}:  "DNS",
	{pnet.TransportTCP, 80}:  "HTTP",
	{pnet.TransportTCP, 443}: "HTTPS",
	{pnet.TransportUDP, 443}: "QUIC",
	{pnet.TransportTCP, 22}:  "SSH",
	{pnet.TransportUDP, 123}: "NTP",
}

// classify returns the transport label plus any application label matched
// on either port.
func classify(transport pnet.Transport, srcPort, dstPort uint16) []string {
	if transport == pnet.TransportUnknown {
		return []string{labelUnclassified}
	}

	labels := []string{transport.String()}
	for _, port := range [2]uint16{srcPort, dstPort} {
		app, ok := wellKnownPorts[portKey{transport, port}]
		if !ok || containsLabel(labels, app) {
			continue
		}
		labels = append(labels, app)
	}
	return labels
}

func containsLabel(labels []string, l string) bool {
	for _, v := range labels {
		if v == l {
			return true
		}
	}
	return false
}
