package api

import (
	"fmt"

	"github.com/gin-gonic/gin"
)

// NewEngine returns a gin engine that recovers panics and only honours forwarding headers
// sent by the listed proxies. With none listed, ClientIP is the socket address.
func NewEngine(trustedProxies []string) (*gin.Engine, error) {
	r := gin.New()
	if len(trustedProxies) == 0 {
		trustedProxies = nil
	}
	if err := r.SetTrustedProxies(trustedProxies); err != nil {
		return nil, fmt.Errorf("trusted proxies: %w", err)
	}
	r.Use(gin.Recovery())
	return r, nil
}
