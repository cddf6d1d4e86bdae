package service

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/agnivade/levenshtein"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jask/moneysync/internal/database/repository"
	"github.com/jask/moneysync/internal/logging"
	"github.com/jask/moneysync/internal/metrics"
	"github.com/jask/moneysync/internal/provider"
	"github.com/jask/moneysync/internal/secrets"
)

// LinkStatus is the outcome of a link attempt.
type LinkStatus string

const (
	LinkComplete  LinkStatus = "complete"
	LinkDuplicate LinkStatus = "duplicate"
	LinkWaiting   LinkStatus = "waiting"
)

// LinkService establishes connections, at most one per real institution.
type LinkService struct {
	Connections *repository.ConnectionRepo
	Secrets     secrets.Store
	Registry    *provider.Registry
	Sync        *SyncService
	Hosted      []provider.HostedLinker
	Direct      []provider.DirectLinker
	// Preference orders providers when several find the same institution.
	Preference []string
	Logger     *logging.Logger
	Metrics    metrics.Collector

	mu sync.Mutex
}

// SearchResult is the chosen institution plus every provider's best match.
type SearchResult struct {
	Best    provider.Institution
	Matches []provider.Institution
}

// LinkedConnection is one login's fate within a link attempt.
type LinkedConnection struct {
	ConnectionID    string
	Status          LinkStatus
	InstitutionName string
	Sync            *SyncResult
	// SyncError is set when the connection was stored but its first sync failed.
	SyncError error
}

// LinkResult reports a completion attempt.
type LinkResult struct {
	Provider    string
	Status      LinkStatus
	Connections []LinkedConnection
}

// Search asks every hosted provider for query at once. A provider that fails
// counts as having no match.
func (s *LinkService) Search(ctx context.Context, query string) (SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return SearchResult{}, fmt.Errorf("empty institution name")
	}
	if len(s.Hosted) == 0 {
		return SearchResult{}, fmt.Errorf("institution search: %w", provider.ErrNotConfigured)
	}
	best := make([]*provider.Institution, len(s.Hosted))
	var g errgroup.Group
	for i, l := range s.Hosted {
		g.Go(func() error {
			hits, err := l.SearchInstitutions(ctx, query)
			if err != nil {
				s.logger().Warn("institution search failed", zap.String("provider", l.Name()), zap.Error(err))
				return nil
			}
			best[i] = closest(query, hits)
			return nil
		})
	}
	_ = g.Wait()

	var res SearchResult
	for _, b := range best {
		if b != nil {
			res.Matches = append(res.Matches, *b)
		}
	}
	if len(res.Matches) == 0 {
		return SearchResult{}, fmt.Errorf("institution %q: %w", query, ErrNotFound)
	}
	sort.SliceStable(res.Matches, func(i, j int) bool {
		return s.rank(res.Matches[i].Provider) < s.rank(res.Matches[j].Provider)
	})
	res.Best = res.Matches[0]
	return res, nil
}

func (s *LinkService) rank(name string) int {
	if i := slices.Index(s.Preference, strings.ToLower(name)); i >= 0 {
		return i
	}
	return len(s.Preference)
}

// closest picks the hit whose name is nearest to query.
func closest(query string, hits []provider.Institution) *provider.Institution {
	q := strings.ToLower(query)
	var best *provider.Institution
	bestDist := -1
	for i := range hits {
		d := levenshtein.ComputeDistance(q, strings.ToLower(hits[i].Name))
		if bestDist < 0 || d < bestDist {
			best, bestDist = &hits[i], d
		}
	}
	return best
}

// Start begins a hosted link for inst with the provider that found it.
func (s *LinkService) Start(ctx context.Context, inst provider.Institution) (provider.LinkStart, error) {
	l, err := s.hosted(inst.Provider)
	if err != nil {
		return provider.LinkStart{}, err
	}
	return l.StartLink(ctx, inst)
}

// Complete resumes a hosted link. A session the user has not finished yields
// LinkWaiting, not an error.
func (s *LinkService) Complete(ctx context.Context, providerName, token string) (LinkResult, error) {
	l, err := s.hosted(providerName)
	if err != nil {
		return LinkResult{}, err
	}
	outcome, err := l.CompleteLink(ctx, token)
	if err != nil {
		s.metrics().RecordLink(l.Name(), "error")
		return LinkResult{}, err
	}
	if outcome.Status == provider.LinkWaiting {
		s.metrics().RecordLink(l.Name(), string(LinkWaiting))
		return LinkResult{Provider: l.Name(), Status: LinkWaiting}, nil
	}
	return s.finishAll(ctx, l.Name(), outcome.Logins)
}

// LinkDirect links a credential the user already holds.
func (s *LinkService) LinkDirect(ctx context.Context, providerName, credential string) (LinkResult, error) {
	var linker provider.DirectLinker
	for _, d := range s.Direct {
		if strings.EqualFold(d.Name(), providerName) {
			linker = d
		}
	}
	if linker == nil {
		return LinkResult{}, fmt.Errorf("%w %q for direct link (available: %s)", provider.ErrUnknownProvider, providerName, strings.Join(s.directNames(), ", "))
	}
	login, err := linker.LinkDirect(ctx, credential)
	if err != nil {
		s.metrics().RecordLink(linker.Name(), "error")
		return LinkResult{}, err
	}
	return s.finishAll(ctx, linker.Name(), []provider.LinkedLogin{login})
}

func (s *LinkService) finishAll(ctx context.Context, name string, logins []provider.LinkedLogin) (LinkResult, error) {
	res := LinkResult{Provider: name, Status: LinkDuplicate}
	for _, login := range logins {
		lc, err := s.finish(ctx, name, login)
		if err != nil {
			s.metrics().RecordLink(name, "error")
			return res, err
		}
		if lc.Status == LinkComplete {
			res.Status = LinkComplete
		}
		s.metrics().RecordLink(name, string(lc.Status))
		res.Connections = append(res.Connections, lc)
	}
	if len(res.Connections) == 0 {
		res.Status = LinkWaiting
	}
	return res, nil
}

// finish validates a login against the provider, then stores it unless the
// institution is already connected.
func (s *LinkService) finish(ctx context.Context, name string, login provider.LinkedLogin) (LinkedConnection, error) {
	log := s.logger().With(zap.String("provider", name), zap.String("institution", login.Meta.InstitutionName))
	p, err := s.Registry.Create(name, login.Credential, login.Meta)
	if err != nil {
		return LinkedConnection{}, err
	}
	accounts, err := p.Accounts(ctx)
	if err != nil {
		s.release(ctx, log, login)
		return LinkedConnection{}, fmt.Errorf("validate credential: %w", err)
	}
	institution := login.Meta.InstitutionName
	if institution == "" && len(accounts) > 0 {
		institution = accounts[0].Institution
	}

	id, existing, err := s.store(ctx, log, name, institution, login)
	if err != nil {
		return LinkedConnection{}, err
	}
	if existing != nil {
		s.release(ctx, log, login)
		log.Info("institution already linked", zap.String("connection", existing.ID))
		return LinkedConnection{ConnectionID: existing.ID, Status: LinkDuplicate, InstitutionName: deref(existing.InstitutionName)}, nil
	}

	lc := LinkedConnection{ConnectionID: id, Status: LinkComplete, InstitutionName: institution}
	if s.Sync != nil {
		sr, err := s.Sync.SyncConnection(ctx, id)
		if err != nil {
			log.Warn("initial sync failed", zap.String("connection", id), zap.Error(err))
			lc.SyncError = err
		} else {
			lc.Sync = &sr
		}
	}
	log.Info("institution linked", zap.String("connection", id))
	return lc, nil
}

// store writes the credential and connection row unless a connection for the
// same institution exists, in which case that connection is returned.
func (s *LinkService) store(ctx context.Context, log *logging.Logger, name, institution string, login provider.LinkedLogin) (string, *repository.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, err := s.Connections.FindExisting(ctx, name, duplicateKey(login.Scope), login.Meta.ItemID, login.Meta.InstitutionID)
	if err != nil {
		return "", nil, fmt.Errorf("find existing connection: %w", err)
	}
	if existing != nil {
		return "", existing, nil
	}

	ref := "conn-" + uuid.NewString()
	if err := s.Secrets.Set(ref, login.Credential); err != nil {
		return "", nil, fmt.Errorf("store credential: %w", err)
	}
	id, err := s.Connections.Insert(ctx, repository.Connection{
		Provider:        name,
		ItemID:          optional(login.Meta.ItemID),
		InstitutionID:   optional(login.Meta.InstitutionID),
		InstitutionName: optional(institution),
		CredentialRef:   ref,
	})
	if err != nil {
		if _, derr := s.Secrets.Delete(ref); derr != nil {
			log.Warn("credential cleanup failed", zap.Error(derr))
		}
		return "", nil, fmt.Errorf("store connection: %w", err)
	}
	return id, nil, nil
}

func (s *LinkService) release(ctx context.Context, log *logging.Logger, login provider.LinkedLogin) {
	if login.Release == nil {
		return
	}
	if err := login.Release(ctx); err != nil {
		log.Warn("release of unused login failed", zap.Error(err))
	}
}

func duplicateKey(scope provider.DuplicateScope) repository.DuplicateKey {
	switch scope {
	case provider.ScopeProvider:
		return repository.KeyProvider
	case provider.ScopeInstitution:
		return repository.KeyInstitution
	default:
		return repository.KeyItem
	}
}

func (s *LinkService) hosted(name string) (provider.HostedLinker, error) {
	var names []string
	for _, l := range s.Hosted {
		if strings.EqualFold(l.Name(), name) {
			return l, nil
		}
		names = append(names, l.Name())
	}
	sort.Strings(names)
	return nil, fmt.Errorf("%w %q for hosted link (available: %s)", provider.ErrUnknownProvider, name, strings.Join(names, ", "))
}

func (s *LinkService) directNames() []string {
	names := make([]string, 0, len(s.Direct))
	for _, d := range s.Direct {
		names = append(names, d.Name())
	}
	sort.Strings(names)
	return names
}

func (s *LinkService) logger() *logging.Logger { return logging.OrNop(s.Logger) }

func (s *LinkService) metrics() metrics.Collector { return metrics.OrNoOp(s.Metrics) }
