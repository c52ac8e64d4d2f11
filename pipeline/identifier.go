/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package pipeline

import (
	"fmt"
	"net/http"
)

// Request carries the request attributes the pipeline works with. The host
// framework fills it from its own request representation.
type Request struct {
	IP       string
	TenantID string
	UserID   string
	Method   string
	Path     string
	Header   http.Header
}

// IdentifierStrategy extracts the subject identifier a decision is made for.
// ok is false when the request carries no usable identifier; the pipeline
// denies such requests.
type IdentifierStrategy interface {
	Identifier(req Request) (id string, ok bool)
}

// IPStrategy identifies requests by client IP address.
type IPStrategy struct{}

// Identifier implements IdentifierStrategy.
func (IPStrategy) Identifier(req Request) (string, bool) {
	if req.IP == "" {
		return "", false
	}
	return "ip:" + req.IP, true
}

// HeaderStrategy identifies requests by the value of a header, typically an
// API key.
type HeaderStrategy struct {
	Name string
}

// Identifier implements IdentifierStrategy.
func (s HeaderStrategy) Identifier(req Request) (string, bool) {
	if req.Header == nil {
		return "", false
	}
	v := req.Header.Get(s.Name)
	if v == "" {
		return "", false
	}
	return "hdr:" + s.Name + ":" + v, true
}

// UserIDStrategy identifies requests by the authenticated user id.
type UserIDStrategy struct{}

// Identifier implements IdentifierStrategy.
func (UserIDStrategy) Identifier(req Request) (string, bool) {
	if req.UserID == "" {
		return "", false
	}
	return "user:" + req.UserID, true
}

// TenantUserStrategy identifies requests by the (tenant, user) pair, so the
// same user id in different tenants is limited independently.
type TenantUserStrategy struct{}

// Identifier implements IdentifierStrategy.
func (TenantUserStrategy) Identifier(req Request) (string, bool) {
	if req.TenantID == "" || req.UserID == "" {
		return "", false
	}
	return fmt.Sprintf("tenant:%s:user:%s", req.TenantID, req.UserID), true
}

// CompositeMode determines how a Composite strategy combines its two parts.
type CompositeMode string

// Composite modes.
const (
	// FirstMatch takes the first strategy that yields an identifier.
	FirstMatch CompositeMode = "first_match"

	// StrictestLimit decides for both identifiers and applies the stricter
	// outcome: a deny wins over an allow, and between two allows the one with
	// less remaining quota wins.
	StrictestLimit CompositeMode = "strictest_limit"
)

// Composite combines two identifier strategies.
type Composite struct {
	Primary   IdentifierStrategy
	Secondary IdentifierStrategy
	Mode      CompositeMode
}

// Identifier implements IdentifierStrategy with FirstMatch semantics. In
// StrictestLimit mode the pipeline uses Identifiers instead.
func (c Composite) Identifier(req Request) (string, bool) {
	if id, ok := c.Primary.Identifier(req); ok {
		return id, true
	}
	return c.Secondary.Identifier(req)
}

// Identifiers returns all identifiers the request yields, primary first.
func (c Composite) Identifiers(req Request) []string {
	var ids []string
	if id, ok := c.Primary.Identifier(req); ok {
		ids = append(ids, id)
	}
	if id, ok := c.Secondary.Identifier(req); ok {
		ids = append(ids, id)
	}
	return ids
}
