package gateway

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/gridscope/scadasim/internal/auth"
	"github.com/gridscope/scadasim/internal/scadaerr"
	"github.com/gridscope/scadasim/pkg/model"
)

const (
	ctxClaims = "claims"
)

// errorBody is the JSON error envelope.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind    string         `json:"kind"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func writeError(c *gin.Context, err error) {
	kind := scadaerr.KindOf(err)
	body := errorBody{Error: errorDetail{Kind: string(kind), Message: err.Error()}}
	var se *scadaerr.Error
	if errors.As(err, &se) {
		body.Error.Message = se.Message
		body.Error.Details = se.Details
	}
	c.AbortWithStatusJSON(scadaerr.HTTPStatus(kind), body)
}

// recovery turns a panicking handler into a 500 envelope instead of a dead
// process.
func (s *Server) recovery() gin.HandlerFunc {
	return gin.CustomRecoveryWithWriter(nil, func(c *gin.Context, recovered any) {
		s.logger.Error("handler panic", "path", c.FullPath(), "panic", recovered)
		writeError(c, scadaerr.New(scadaerr.KindInternal, "internal error"))
	})
}

// authenticate parses the bearer token and stores the claims.
func (s *Server) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, found := strings.CutPrefix(header, "Bearer ")
		if !found || token == "" {
			writeError(c, scadaerr.New(scadaerr.KindAuthFailure, "missing bearer token"))
			return
		}
		claims, err := s.deps.Auth.ParseToken(token)
		if err != nil {
			writeError(c, err)
			return
		}
		c.Set(ctxClaims, claims)
		c.Next()
	}
}

// requirePerm enforces one permission; denials are audited and surfaced as
// security events.
func (s *Server) requirePerm(permission string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := s.claims(c)
		if err := s.deps.Auth.Authorize(claims.Role, permission); err != nil {
			if s.deps.Security != nil {
				s.deps.Security.RecordPermissionDenied(claims.Subject, c.ClientIP(), permission)
			}
			if s.deps.Trail != nil && c.Request.Method != http.MethodGet {
				s.deps.Trail.Record(claims.Subject, "denied", "endpoint", c.FullPath(),
					model.AuditDenied, c.ClientIP(), map[string]any{"permission": permission})
			}
			writeError(c, err)
			return
		}
		c.Next()
	}
}

func (s *Server) claims(c *gin.Context) auth.Claims {
	v, _ := c.Get(ctxClaims)
	claims, _ := v.(auth.Claims)
	return claims
}

// audit records the outcome of a mutating endpoint.
func (s *Server) audit(c *gin.Context, operator, action, resourceType, resourceID string, result model.AuditResult, metadata map[string]any) {
	if s.deps.Trail == nil {
		return
	}
	s.deps.Trail.Record(operator, action, resourceType, resourceID, result, c.ClientIP(), metadata)
}
