package server

import (
	"context"
	"net"
	"net/http"
	"strings"

	"google.golang.org/grpc/peer"
)

// ------------------------------------------------------------
// Peer 주소 추출
//
// 수집기는 보통 사이드카 / 노드 에이전트 뒤나 내부 LB 뒤에 있어서
// 보내는 쪽이 private 대역인 경우가 대부분이다.
// 거절/손상 요청 로그에 찍을 발신 주소만 필요하므로
// public 우선, 없으면 첫 번째 유효 주소를 쓴다.
// ------------------------------------------------------------

func isPublicIP(ip net.IP) bool {
	if ip == nil {
		return false
	}
	if ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return false
	}
	return true
}

func safeParseIP(s string) net.IP {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return net.ParseIP(s)
}

// hostIP 는 "host:port" 또는 "host" 에서 IP 를 꺼낸다.
func hostIP(addr string) net.IP {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return safeParseIP(host)
	}
	return safeParseIP(addr)
}

// clientIP
//
// 우선순위:
//  1. X-Forwarded-For → 첫 번째 public IP
//  2. X-Forwarded-For → 첫 번째 유효 IP
//  3. RemoteAddr
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
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

	if ip := hostIP(r.RemoteAddr); ip != nil {
		return ip.String()
	}
	return ""
}

// grpcPeerIP 는 gRPC 요청의 발신 주소.
func grpcPeerIP(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return ""
	}
	if ip := hostIP(p.Addr.String()); ip != nil {
		return ip.String()
	}
	return p.Addr.String()
}
