// Package validator scores candidate email addresses. Each address goes
// through a syntax check, a disposable-domain blocklist and an MX lookup;
// the confidence is the sum of the stages it passed.
package validator

import (
	"context"
	"net"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"
)

const (
	scoreSyntax        = 30
	scoreNotDisposable = 20
	scoreMX            = 50

	// ValidThreshold is only reachable when all three stages pass.
	ValidThreshold = 80
)

var syntax = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// DisposableDomains are throwaway mailbox providers.
var DisposableDomains = []string{
	"tempmail.com",
	"guerrillamail.com",
	"10minutemail.com",
	"throwaway.email",
	"temp-mail.org",
	"mailinator.com",
	"maildrop.cc",
	"trashmail.com",
}

// MXResolver looks up mail exchangers. *net.Resolver satisfies it.
type MXResolver interface {
	LookupMX(ctx context.Context, domain string) ([]*net.MX, error)
}

type Candidate struct {
	Address       string `json:"address"`
	SyntaxOK      bool   `json:"syntaxOk"`
	NotDisposable bool   `json:"notDisposable"`
	MXOK          bool   `json:"mxOk"`
	Confidence    int    `json:"confidence"`
	IsValid       bool   `json:"isValid"`
}

type Validator struct {
	resolver    MXResolver
	disposable  []string
	concurrency int
}

type Option func(*Validator)

func WithResolver(r MXResolver) Option {
	return func(v *Validator) { v.resolver = r }
}

// WithDisposableDomains replaces the blocklist.
func WithDisposableDomains(domains []string) Option {
	return func(v *Validator) { v.disposable = domains }
}

// WithConcurrency caps parallel lookups in ValidateBatch.
func WithConcurrency(n int) Option {
	return func(v *Validator) { v.concurrency = n }
}

func New(opts ...Option) *Validator {
	v := &Validator{
		resolver:    net.DefaultResolver,
		disposable:  DisposableDomains,
		concurrency: 8,
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.concurrency < 1 {
		v.concurrency = 1
	}
	return v
}

// Validate scores one address. DNS failures count as "no MX".
func (v *Validator) Validate(ctx context.Context, address string) Candidate {
	c := Candidate{Address: address}

	if !syntax.MatchString(address) {
		return c
	}
	c.SyntaxOK = true
	c.Confidence += scoreSyntax

	domain := strings.ToLower(address[strings.LastIndex(address, "@")+1:])
	if v.isDisposable(domain) {
		return c
	}
	c.NotDisposable = true
	c.Confidence += scoreNotDisposable

	if records, err := v.resolver.LookupMX(ctx, domain); err == nil && len(records) > 0 {
		c.MXOK = true
		c.Confidence += scoreMX
	}

	c.IsValid = c.Confidence >= ValidThreshold
	return c
}

// isDisposable matches a blocklisted domain or any of its subdomains.
func (v *Validator) isDisposable(domain string) bool {
	for _, d := range v.disposable {
		if domain == d || strings.HasSuffix(domain, "."+d) {
			return true
		}
	}
	return false
}

// ValidateBatch scores every address concurrently. The result has the same
// order and length as addresses.
func (v *Validator) ValidateBatch(ctx context.Context, addresses []string) []Candidate {
	out := make([]Candidate, len(addresses))

	var g errgroup.Group
	g.SetLimit(v.concurrency)
	for i, addr := range addresses {
		g.Go(func() error {
			out[i] = v.Validate(ctx, addr)
			return nil
		})
	}
	_ = g.Wait()

	return out
}

// BestOf returns the valid candidate with the highest confidence. Equal
// scores keep input order, so the first one encountered wins.
func BestOf(candidates []Candidate) (Candidate, bool) {
	valid := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.IsValid {
			valid = append(valid, c)
		}
	}
	if len(valid) == 0 {
		return Candidate{}, false
	}
	sort.SliceStable(valid, func(i, j int) bool {
		return valid[i].Confidence > valid[j].Confidence
	})
	return valid[0], true
}

// FindBest normalizes and de-duplicates addresses, validates them and
// returns the best one.
func (v *Validator) FindBest(ctx context.Context, addresses []string) (Candidate, bool) {
	seen := make(map[string]bool, len(addresses))
	unique := make([]string, 0, len(addresses))
	for _, a := range addresses {
		a = strings.ToLower(strings.TrimSpace(a))
		if a == "" || seen[a] {
			continue
		}
		seen[a] = true
		unique = append(unique, a)
	}
	return BestOf(v.ValidateBatch(ctx, unique))
}
