package proxy

import (
	"bytes"
	"fmt"
	"net/http"
	"text/template"
)

// clusterDomainSuffixes are the only DNS suffixes the SOCKS and HTTP CONNECT
// listeners know how to resolve (see kube.ParseDNSQuery). The PAC script
// routes exactly these through the proxy; every other host goes direct.
var clusterDomainSuffixes = []string{"svc.cluster.local", "pod.cluster.local"}

const pacTemplateString = `function FindProxyForURL(url, host) {
{{- range .ClusterNames}}
  if (shExpMatch(host, "*.{{.}}"))
    return "{{$.ProxyDirective}}";
{{- end}}
  return "DIRECT";
}
`

var pacTemplate = template.Must(template.New("pac").Parse(pacTemplateString))

// PACServer serves an auto-generated PAC (Proxy Auto-Configuration) file
// that routes cluster DNS traffic (*.svc.cluster.local, *.pod.cluster.local)
// through the proxy and leaves everything else direct.
type PACServer struct {
	SOCKSAddress     string
	HTTPProxyAddress string
}

func (s *PACServer) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/x-ns-proxy-autoconfig")
	w.Header().Set("Content-Disposition", "inline; filename=\"proxy.pac\"")
	_, _ = fmt.Fprint(w, s.generatePAC())
}

func (s *PACServer) generatePAC() string {
	data := struct {
		ClusterNames   []string
		ProxyDirective string
	}{
		ClusterNames:   clusterDomainSuffixes,
		ProxyDirective: s.proxyDirective(),
	}

	var buf bytes.Buffer
	if err := pacTemplate.Execute(&buf, data); err != nil {
		return fmt.Sprintf("// error generating PAC: %v\n", err)
	}

	return buf.String()
}

func (s *PACServer) proxyDirective() string {
	if s.HTTPProxyAddress != "" {
		return fmt.Sprintf("PROXY %s; SOCKS5 %s; DIRECT", s.HTTPProxyAddress, s.SOCKSAddress)
	}

	return fmt.Sprintf("SOCKS5 %s; DIRECT", s.SOCKSAddress)
}
