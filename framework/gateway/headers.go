package gateway

import (
	"net/http"
	"strings"
)

// Identity заголовки, передаваемые upstream сервисам
const (
	HeaderOrganizationID  = "X-Organization-Id"
	HeaderUserID          = "X-User-Id"
	HeaderUserRole        = "X-User-Role"
	HeaderUserPermissions = "X-User-Permissions"
	HeaderRequestID       = "X-Request-Id"
	HeaderForwardedFor    = "X-Forwarded-For"
)

// Identity контекст вызывающего, установленный на границе gateway
type Identity struct {
	OrganizationID string
	UserID         string
	Role           string
	Permissions    []string
	RequestID      string
	ClientIP       string
	Plan           string
}

// hopByHopHeaders заголовки, которые не передаются upstream
var hopByHopHeaders = []string{
	"Host",
	"Content-Length",
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// BuildUpstreamHeaders копирует входящие заголовки без hop-by-hop и добавляет identity.
// Identity заголовки перезаписывают одноименные заголовки клиента.
func BuildUpstreamHeaders(inbound http.Header, id Identity) http.Header {
	out := inbound.Clone()
	if out == nil {
		out = make(http.Header)
	}
	for _, h := range hopByHopHeaders {
		out.Del(h)
	}

	setOrDel(out, HeaderOrganizationID, id.OrganizationID)
	setOrDel(out, HeaderUserID, id.UserID)
	setOrDel(out, HeaderUserRole, id.Role)
	setOrDel(out, HeaderUserPermissions, strings.Join(id.Permissions, ","))
	setOrDel(out, HeaderRequestID, id.RequestID)
	setOrDel(out, HeaderForwardedFor, id.ClientIP)
	return out
}

func setOrDel(h http.Header, key, value string) {
	if value == "" {
		h.Del(key)
		return
	}
	h.Set(key, value)
}

// copyResponseHeaders копирует заголовки ответа upstream без hop-by-hop
func copyResponseHeaders(dst, src http.Header) {
	for k, vals := range src {
		if isHopByHop(k) {
			continue
		}
		for _, v := range vals {
			dst.Add(k, v)
		}
	}
}

func isHopByHop(key string) bool {
	canonical := http.CanonicalHeaderKey(key)
	for _, h := range hopByHopHeaders {
		if h == canonical {
			return true
		}
	}
	return false
}
