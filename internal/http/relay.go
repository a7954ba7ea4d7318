package httpx

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/Zipper-Inc/zipper-functions-sub004/internal/repository"
)

const (
	// HeaderSubhost carries the capability token to the runtime.
	HeaderSubhost = "X-Deno-Subhost"
	// HeaderForwardedHost carries the host the client originally addressed.
	HeaderForwardedHost = "X-Forwarded-Host"
)

var internalHeaderPrefixes = []string{"X-Zipper-", "X-Runtime-"}

type relayTargetKey struct{}

type relayTarget struct {
	url   *url.URL
	host  string
	token string
}

// parseSubdomain extracts the applet slug from host. It accepts exactly one
// DNS label in front of the relay domain suffix.
func (r *Router) parseSubdomain(host string) (string, bool) {
	host = strings.ToLower(strings.TrimSpace(host))
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimSuffix(host, ".")
	if r.domainSuffix == "" || !strings.HasSuffix(host, r.domainSuffix) {
		return "", false
	}
	label := strings.TrimSuffix(host, r.domainSuffix)
	if !validLabel(label) {
		return "", false
	}
	if _, blocked := r.blocklist[label]; blocked {
		return "", false
	}
	return label, true
}

func validLabel(label string) bool {
	if label == "" || len(label) > 63 {
		return false
	}
	if label[0] == '-' || label[len(label)-1] == '-' {
		return false
	}
	for _, c := range label {
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '-':
		default:
			return false
		}
	}
	return true
}

// splitVersion removes an optional leading "/@{version}" segment.
func splitVersion(path string) (version, rest string) {
	if !strings.HasPrefix(path, "/@") {
		return "", path
	}
	trimmed := strings.TrimPrefix(path, "/@")
	if idx := strings.IndexByte(trimmed, '/'); idx >= 0 {
		return trimmed[:idx], trimmed[idx:]
	}
	return trimmed, "/"
}

func (r *Router) isRelayHost(host string) bool {
	host = strings.ToLower(host)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return r.domainSuffix != "" && strings.HasSuffix(strings.TrimSuffix(host, "."), r.domainSuffix)
}

func (r *Router) handleRelay(w http.ResponseWriter, req *http.Request) {
	slug, ok := r.parseSubdomain(req.Host)
	if !ok {
		r.recordRelayOutcome("bad_host")
		r.notFound(w)
		return
	}
	version, path := splitVersion(req.URL.Path)

	ref, err := r.deployments.ResolveDeployment(req.Context(), slug, version)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			r.recordRelayOutcome("no_deployment")
			r.notFound(w)
			return
		}
		r.logger.Error("resolve deployment failed", "slug", slug, "version", version, "error", err)
		r.recordRelayOutcome("lookup_error")
		writeError(w, http.StatusInternalServerError, "deployment lookup failed")
		return
	}
	deploymentID := ref.ID()
	if tagger, ok := w.(deploymentTagger); ok {
		tagger.tagDeployment(deploymentID)
	}

	token, err := r.issuer.Mint(deploymentID)
	if err != nil {
		r.logger.Error("mint capability token failed", "deployment_id", deploymentID, "error", err)
		r.recordRelayOutcome("mint_error")
		writeError(w, http.StatusInternalServerError, "relay misconfigured")
		return
	}

	out := req.Clone(context.WithValue(req.Context(), relayTargetKey{}, relayTarget{
		url:   r.issuer.RouteFor(deploymentID),
		host:  req.Host,
		token: token.Value,
	}))
	out.URL.Path = path
	out.URL.RawPath = ""
	r.proxy.ServeHTTP(w, out)
}

func (r *Router) newProxy(transport http.RoundTripper) *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Rewrite:        r.rewriteRelay,
		Transport:      transport,
		FlushInterval:  -1,
		ModifyResponse: r.modifyRelayResponse,
		ErrorHandler:   r.relayError,
	}
}

func (r *Router) rewriteRelay(pr *httputil.ProxyRequest) {
	target, _ := pr.In.Context().Value(relayTargetKey{}).(relayTarget)
	pr.SetURL(target.url)
	pr.SetXForwarded()
	pr.Out.Header.Del(HeaderSubhost)
	pr.Out.Header.Set(HeaderForwardedHost, target.host)
	pr.Out.Header.Set(HeaderSubhost, target.token)
}

func (r *Router) modifyRelayResponse(resp *http.Response) error {
	resp.Header.Del(HeaderSubhost)
	for key := range resp.Header {
		canonical := http.CanonicalHeaderKey(key)
		for _, prefix := range internalHeaderPrefixes {
			if strings.HasPrefix(canonical, prefix) {
				resp.Header.Del(key)
				break
			}
		}
	}
	r.recordRelayOutcome("forwarded")
	return nil
}

func (r *Router) relayError(w http.ResponseWriter, req *http.Request, err error) {
	if isTimeout(err) {
		r.logger.Warn("runtime timed out", "host", req.Host, "path", req.URL.Path, "error", err)
		r.recordRelayOutcome("timeout")
		writeError(w, http.StatusGatewayTimeout, "runtime timed out")
		return
	}
	r.logger.Error("relay forward failed", "host", req.Host, "path", req.URL.Path, "error", err)
	r.recordRelayOutcome("forward_error")
	msg := "relay failed"
	if r.exposeErrors {
		msg = err.Error()
	}
	writeError(w, http.StatusInternalServerError, msg)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
