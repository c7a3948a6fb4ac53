package server

import (
	"net"
	"net/http"
	"strings"
)

// ------------------------------------------------------------
// IP Utility Functions
//
// 대시보드 서버는 장비 LAN 에 직접 붙기도 하고, nginx 같은 reverse proxy 뒤에 놓이기도 한다.
// 구독자 로그와 /status 에 남길 주소를 고르는 용도이며 인증에는 쓰지 않는다.
// ------------------------------------------------------------

// isPublicIP:
//   - private / loopback / link-local 등이 아닌 경우 true
//   - X-Forwarded-For 체인에서 proxy 내부 hop 보다 실제 클라이언트를 고르기 위해 필요
func isPublicIP(ip net.IP) bool {
	if ip == nil {
		return false
	}
	if ip.IsPrivate() {
		return false
	}
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return false
	}
	return true
}

// safeParseIP:
//   - 공백/빈 값 대응
//   - 잘못된 값이 들어오면 nil 반환
func safeParseIP(s string) net.IP {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return net.ParseIP(s)
}

// ------------------------------------------------------------
// clientIP:
//
// 우선순위:
//  1. X-Forwarded-For → 첫 번째 public IP, 없으면 첫 번째 유효한 IP
//     (LAN 안의 proxy 라면 클라이언트도 사설 대역이다)
//  2. X-Real-IP (nginx)
//  3. RemoteAddr
//
// 사설 IP 도 그대로 반환한다.
// ------------------------------------------------------------
func clientIP(r *http.Request) string {

	// 1) X-Forwarded-For
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		// 예: "203.0.113.1, 10.0.1.24"
		var first net.IP
		for _, part := range strings.Split(xff, ",") {
			ip := safeParseIP(part)
			if ip == nil {
				continue
			}
			if isPublicIP(ip) {
				return ip.String()
			}
			if first == nil {
				first = ip
			}
		}
		if first != nil {
			return first.String()
		}
	}

	// 2) X-Real-IP
	if ip := safeParseIP(r.Header.Get("X-Real-IP")); ip != nil {
		return ip.String()
	}

	// 3) RemoteAddr
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if ip := safeParseIP(host); ip != nil {
		return ip.String()
	}
	return ""
}
