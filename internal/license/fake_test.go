package license

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dukerupert/roadlog/internal/model"
)

// fakeDirectory backs all three directory interfaces with an in-memory map
// and reproduces the guarded-update semantics of the remote implementations:
// a conditional mutation whose guard fails returns (nil, nil).
type fakeDirectory struct {
	mu       sync.Mutex
	licenses map[string]model.License
	profiles map[string]model.Profile
	links    map[string]model.CompanyLink
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		licenses: make(map[string]model.License),
		profiles: make(map[string]model.Profile),
		links:    make(map[string]model.CompanyLink),
	}
}

func (f *fakeDirectory) putLicense(l model.License) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.licenses[l.ID] = l
}

func (f *fakeDirectory) putProfile(p model.Profile) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.profiles[p.ID] = p
}

func (f *fakeDirectory) putLink(l model.CompanyLink) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.links[l.ID] = l
}

func (f *fakeDirectory) license(id string) model.License {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.licenses[id]
}

func (f *fakeDirectory) profile(id string) model.Profile {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.profiles[id]
}

func (f *fakeDirectory) ByID(_ context.Context, id string) (*model.License, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.licenses[id]
	if !ok {
		return nil, nil
	}
	return &l, nil
}

func (f *fakeDirectory) OwnedBy(_ context.Context, accountID string) ([]model.License, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.License
	for _, l := range f.licenses {
		if l.AccountID == accountID {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeDirectory) LinkedTo(_ context.Context, userID string) ([]model.License, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.License
	for _, l := range f.licenses {
		if l.LinkedAccountID != nil && *l.LinkedAccountID == userID {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeDirectory) ReleaseDue(_ context.Context, now time.Time) ([]model.License, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.License
	for _, l := range f.licenses {
		if l.ReleaseDue(now) {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeDirectory) Claim(_ context.Context, licenseID, userID string, at time.Time) (*model.License, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.licenses[licenseID]
	if !ok || l.LinkedAccountID != nil {
		return nil, nil
	}
	if l.Status != model.LicenseAvailable && l.Status != model.LicenseActive {
		return nil, nil
	}
	l.LinkedAccountID = &userID
	l.LinkedAt = &at
	l.Status = model.LicenseActive
	l.UpdatedAt = at
	f.licenses[licenseID] = l
	return &l, nil
}

func (f *fakeDirectory) ScheduleUnlink(_ context.Context, licenseID string, requestedAt, effectiveAt time.Time) (*model.License, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.licenses[licenseID]
	if !ok || l.LinkedAccountID == nil || l.UnlinkRequestedAt != nil {
		return nil, nil
	}
	l.UnlinkRequestedAt = &requestedAt
	l.UnlinkEffectiveAt = &effectiveAt
	l.UpdatedAt = requestedAt
	f.licenses[licenseID] = l
	return &l, nil
}

func (f *fakeDirectory) ClearUnlink(_ context.Context, licenseID string) (*model.License, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.licenses[licenseID]
	if !ok || l.UnlinkRequestedAt == nil {
		return nil, nil
	}
	l.UnlinkRequestedAt = nil
	l.UnlinkEffectiveAt = nil
	f.licenses[licenseID] = l
	return &l, nil
}

func (f *fakeDirectory) MarkCanceled(_ context.Context, licenseID string) (*model.License, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.licenses[licenseID]
	if !ok || l.Status != model.LicenseActive {
		return nil, nil
	}
	l.Status = model.LicenseCanceled
	f.licenses[licenseID] = l
	return &l, nil
}

func (f *fakeDirectory) Release(_ context.Context, licenseID string, backToPool bool) (*model.License, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.licenses[licenseID]
	if !ok || l.LinkedAccountID == nil {
		return nil, nil
	}
	l.LinkedAccountID = nil
	l.LinkedAt = nil
	l.UnlinkRequestedAt = nil
	l.UnlinkEffectiveAt = nil
	if backToPool {
		l.Status = model.LicenseAvailable
		l.EndDate = nil
	}
	f.licenses[licenseID] = l
	return &l, nil
}

func (f *fakeDirectory) CreateBatch(_ context.Context, rows []model.License) ([]model.License, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, l := range rows {
		f.licenses[l.ID] = l
	}
	return rows, nil
}

func (f *fakeDirectory) Delete(_ context.Context, licenseID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.licenses, licenseID)
	return nil
}

func (f *fakeDirectory) ProfileByID(ctx context.Context, id string) (*model.Profile, error) {
	return f.profilesView().ByID(ctx, id)
}

// profilesView and linksView let the one fake satisfy the three separate
// directory interfaces without method-name collisions on ByID.
func (f *fakeDirectory) profilesView() *fakeProfiles { return &fakeProfiles{f} }
func (f *fakeDirectory) linksView() *fakeLinks       { return &fakeLinks{f} }

type fakeProfiles struct{ d *fakeDirectory }

func (p *fakeProfiles) ByID(_ context.Context, id string) (*model.Profile, error) {
	p.d.mu.Lock()
	defer p.d.mu.Unlock()
	prof, ok := p.d.profiles[id]
	if !ok {
		return nil, nil
	}
	return &prof, nil
}

func (p *fakeProfiles) SetSubscription(_ context.Context, userID string, sub model.SubscriptionType, expiresAt *time.Time) error {
	p.d.mu.Lock()
	defer p.d.mu.Unlock()
	prof := p.d.profiles[userID]
	prof.ID = userID
	prof.SubscriptionType = sub
	prof.SubscriptionExpiresAt = expiresAt
	p.d.profiles[userID] = prof
	return nil
}

type fakeLinks struct{ d *fakeDirectory }

func (l *fakeLinks) Between(_ context.Context, companyID, memberID string) (*model.CompanyLink, error) {
	l.d.mu.Lock()
	defer l.d.mu.Unlock()
	for _, link := range l.d.links {
		if link.CompanyID == companyID && link.MemberID == memberID {
			return &link, nil
		}
	}
	return nil, nil
}

func (l *fakeLinks) SetStatus(_ context.Context, linkID string, status model.LinkStatus) error {
	l.d.mu.Lock()
	defer l.d.mu.Unlock()
	link, ok := l.d.links[linkID]
	if !ok {
		return nil
	}
	link.Status = status
	l.d.links[linkID] = link
	return nil
}

type fakeReconciler struct {
	mu    sync.Mutex
	calls []string
}

func (r *fakeReconciler) SyncSeatQuantity(_ context.Context, accountID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, accountID)
	return nil
}
