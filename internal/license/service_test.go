package license

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/dukerupert/roadlog/internal/model"
)

var testNow = time.Date(2026, time.March, 10, 9, 0, 0, 0, time.UTC)

func newTestService(t *testing.T) (*Service, *fakeDirectory, *fakeReconciler) {
	t.Helper()
	dir := newFakeDirectory()
	rec := &fakeReconciler{}
	svc := NewService(dir, dir.profilesView(), dir.linksView(), rec, slog.Default())
	svc.now = func() time.Time { return testNow }
	return svc, dir, rec
}

func seedLicense(dir *fakeDirectory, id, account string, mut ...func(*model.License)) {
	l := model.License{
		ID:        id,
		AccountID: account,
		Status:    model.LicenseAvailable,
		CreatedAt: testNow.Add(-24 * time.Hour),
		UpdatedAt: testNow.Add(-24 * time.Hour),
		Version:   1,
	}
	for _, m := range mut {
		m(&l)
	}
	dir.putLicense(l)
}

func seedProfile(dir *fakeDirectory, id string, sub model.SubscriptionType) {
	dir.putProfile(model.Profile{ID: id, SubscriptionType: sub})
}

func seedLink(dir *fakeDirectory, id, company, member string, status model.LinkStatus) {
	dir.putLink(model.CompanyLink{ID: id, CompanyID: company, MemberID: member, Status: status})
}

func TestAssignWithValidation(t *testing.T) {
	ctx := context.Background()

	t.Run("assigns a free seat to a linked trial collaborator", func(t *testing.T) {
		svc, dir, _ := newTestService(t)
		seedLicense(dir, "lic-1", "owner")
		seedProfile(dir, "collab", model.SubscriptionTrial)
		seedLink(dir, "link-1", "owner", "collab", model.LinkActive)

		res, err := svc.AssignWithValidation(ctx, "lic-1", "owner", "collab")
		if err != nil {
			t.Fatalf("AssignWithValidation: %v", err)
		}
		if res.Outcome != OutcomeSuccess {
			t.Fatalf("outcome = %s, want %s", res.Outcome, OutcomeSuccess)
		}
		got := dir.license("lic-1")
		if got.LinkedAccountID == nil || *got.LinkedAccountID != "collab" {
			t.Errorf("license not linked to collab: %+v", got)
		}
		if got.Status != model.LicenseActive {
			t.Errorf("status = %s, want active", got.Status)
		}
		if dir.profile("collab").SubscriptionType != model.SubscriptionLicensed {
			t.Errorf("collaborator subscription = %s, want licensed", dir.profile("collab").SubscriptionType)
		}
	})

	t.Run("blocks a lifetime collaborator", func(t *testing.T) {
		svc, dir, _ := newTestService(t)
		seedLicense(dir, "lic-1", "owner")
		seedProfile(dir, "collab", model.SubscriptionLifetime)

		res, err := svc.AssignWithValidation(ctx, "lic-1", "owner", "collab")
		if err != nil {
			t.Fatalf("AssignWithValidation: %v", err)
		}
		if res.Outcome != OutcomeAlreadyLifetime {
			t.Fatalf("outcome = %s, want %s", res.Outcome, OutcomeAlreadyLifetime)
		}
		if dir.license("lic-1").LinkedAccountID != nil {
			t.Error("license must stay unassigned")
		}
	})

	t.Run("blocks an already licensed collaborator", func(t *testing.T) {
		svc, dir, _ := newTestService(t)
		seedLicense(dir, "lic-1", "owner")
		seedProfile(dir, "collab", model.SubscriptionLicensed)

		res, err := svc.AssignWithValidation(ctx, "lic-1", "owner", "collab")
		if err != nil {
			t.Fatalf("AssignWithValidation: %v", err)
		}
		if res.Outcome != OutcomeAlreadyLicensed {
			t.Fatalf("outcome = %s, want %s", res.Outcome, OutcomeAlreadyLicensed)
		}
	})

	t.Run("defers a premium collaborator to the cancel continuation", func(t *testing.T) {
		svc, dir, _ := newTestService(t)
		seedLicense(dir, "lic-1", "owner")
		seedProfile(dir, "collab", model.SubscriptionPremium)
		seedLink(dir, "link-1", "owner", "collab", model.LinkActive)

		res, err := svc.AssignWithValidation(ctx, "lic-1", "owner", "collab")
		if err != nil {
			t.Fatalf("AssignWithValidation: %v", err)
		}
		if res.Outcome != OutcomeNeedsCancelExisting {
			t.Fatalf("outcome = %s, want %s", res.Outcome, OutcomeNeedsCancelExisting)
		}
		if res.CollaboratorID != "collab" || res.LicenseID != "lic-1" {
			t.Errorf("continuation ids = (%q, %q)", res.CollaboratorID, res.LicenseID)
		}
		if dir.license("lic-1").LinkedAccountID != nil {
			t.Error("deferred assignment must not claim the seat")
		}

		// Personal subscription canceled out of band, then the continuation.
		seedProfile(dir, "collab", model.SubscriptionExpired)
		res, err = svc.FinalizeAssignment(ctx, "lic-1", "owner", "collab")
		if err != nil {
			t.Fatalf("FinalizeAssignment: %v", err)
		}
		if res.Outcome != OutcomeSuccess {
			t.Fatalf("finalize outcome = %s, want %s", res.Outcome, OutcomeSuccess)
		}
	})

	t.Run("finalize re-defers while the collaborator stays premium", func(t *testing.T) {
		svc, dir, _ := newTestService(t)
		seedLicense(dir, "lic-1", "owner")
		seedProfile(dir, "collab", model.SubscriptionPremium)

		res, err := svc.FinalizeAssignment(ctx, "lic-1", "owner", "collab")
		if err != nil {
			t.Fatalf("FinalizeAssignment: %v", err)
		}
		if res.Outcome != OutcomeNeedsCancelExisting {
			t.Fatalf("outcome = %s, want %s", res.Outcome, OutcomeNeedsCancelExisting)
		}
	})

	t.Run("reports a missing collaborator", func(t *testing.T) {
		svc, dir, _ := newTestService(t)
		seedLicense(dir, "lic-1", "owner")

		res, err := svc.AssignWithValidation(ctx, "lic-1", "owner", "ghost")
		if err != nil {
			t.Fatalf("AssignWithValidation: %v", err)
		}
		if res.Outcome != OutcomeCollaboratorNotFound {
			t.Fatalf("outcome = %s, want %s", res.Outcome, OutcomeCollaboratorNotFound)
		}
	})

	t.Run("requires a company link for non-owner assignments", func(t *testing.T) {
		svc, dir, _ := newTestService(t)
		seedLicense(dir, "lic-1", "owner")
		seedProfile(dir, "collab", model.SubscriptionTrial)

		res, err := svc.AssignWithValidation(ctx, "lic-1", "owner", "collab")
		if err != nil {
			t.Fatalf("AssignWithValidation: %v", err)
		}
		if res.Outcome != OutcomeNoCompanyLink {
			t.Fatalf("outcome = %s, want %s", res.Outcome, OutcomeNoCompanyLink)
		}
	})

	t.Run("reactivates an inactive link on assignment", func(t *testing.T) {
		svc, dir, _ := newTestService(t)
		seedLicense(dir, "lic-1", "owner")
		seedProfile(dir, "collab", model.SubscriptionExpired)
		seedLink(dir, "link-1", "owner", "collab", model.LinkInactive)

		res, err := svc.AssignWithValidation(ctx, "lic-1", "owner", "collab")
		if err != nil {
			t.Fatalf("AssignWithValidation: %v", err)
		}
		if res.Outcome != OutcomeSuccess {
			t.Fatalf("outcome = %s, want %s", res.Outcome, OutcomeSuccess)
		}
		if dir.links["link-1"].Status != model.LinkActive {
			t.Error("link must be reactivated")
		}
	})

	t.Run("rejects a seat that is already taken", func(t *testing.T) {
		svc, dir, _ := newTestService(t)
		holder := "someone"
		seedLicense(dir, "lic-1", "owner", func(l *model.License) {
			l.Status = model.LicenseActive
			l.LinkedAccountID = &holder
		})
		seedProfile(dir, "collab", model.SubscriptionTrial)

		res, err := svc.AssignWithValidation(ctx, "lic-1", "owner", "collab")
		if err != nil {
			t.Fatalf("AssignWithValidation: %v", err)
		}
		if res.Outcome != OutcomeNotAvailable {
			t.Fatalf("outcome = %s, want %s", res.Outcome, OutcomeNotAvailable)
		}
	})

	t.Run("rejects a seat owned by another account", func(t *testing.T) {
		svc, dir, _ := newTestService(t)
		seedLicense(dir, "lic-1", "someone-else")
		seedProfile(dir, "collab", model.SubscriptionTrial)

		res, err := svc.AssignWithValidation(ctx, "lic-1", "owner", "collab")
		if err != nil {
			t.Fatalf("AssignWithValidation: %v", err)
		}
		if res.Outcome != OutcomeNotAvailable {
			t.Fatalf("outcome = %s, want %s", res.Outcome, OutcomeNotAvailable)
		}
	})

	t.Run("sets the subscription expiry from a dated seat", func(t *testing.T) {
		svc, dir, _ := newTestService(t)
		end := testNow.AddDate(0, 1, 0)
		seedLicense(dir, "lic-1", "owner", func(l *model.License) { l.EndDate = &end })
		seedProfile(dir, "collab", model.SubscriptionTrial)
		seedLink(dir, "link-1", "owner", "collab", model.LinkActive)

		if _, err := svc.AssignWithValidation(ctx, "lic-1", "owner", "collab"); err != nil {
			t.Fatalf("AssignWithValidation: %v", err)
		}
		got := dir.profile("collab").SubscriptionExpiresAt
		if got == nil || !got.Equal(end) {
			t.Errorf("subscription expiry = %v, want %v", got, end)
		}
	})

	t.Run("leaves no expiry on a lifetime seat", func(t *testing.T) {
		svc, dir, _ := newTestService(t)
		end := testNow.AddDate(0, 1, 0)
		seedLicense(dir, "lic-1", "owner", func(l *model.License) {
			l.IsLifetime = true
			l.EndDate = &end
		})
		seedProfile(dir, "collab", model.SubscriptionTrial)
		seedLink(dir, "link-1", "owner", "collab", model.LinkActive)

		if _, err := svc.AssignWithValidation(ctx, "lic-1", "owner", "collab"); err != nil {
			t.Fatalf("AssignWithValidation: %v", err)
		}
		if got := dir.profile("collab").SubscriptionExpiresAt; got != nil {
			t.Errorf("lifetime seat must not carry an expiry, got %v", got)
		}
	})
}

// Two concurrent assignments of the same seat: exactly one wins, the other
// observes NotAvailable through the guarded claim.
func TestAssignWithValidation_MutualExclusion(t *testing.T) {
	ctx := context.Background()
	svc, dir, _ := newTestService(t)
	seedLicense(dir, "lic-1", "owner")
	seedProfile(dir, "a", model.SubscriptionTrial)
	seedProfile(dir, "b", model.SubscriptionTrial)
	seedLink(dir, "link-a", "owner", "a", model.LinkActive)
	seedLink(dir, "link-b", "owner", "b", model.LinkActive)

	var wg sync.WaitGroup
	results := make([]AssignmentResult, 2)
	for i, collab := range []string{"a", "b"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := svc.AssignWithValidation(ctx, "lic-1", "owner", collab)
			if err != nil {
				t.Errorf("AssignWithValidation(%s): %v", collab, err)
				return
			}
			results[i] = res
		}()
	}
	wg.Wait()

	wins := 0
	for _, res := range results {
		switch res.Outcome {
		case OutcomeSuccess:
			wins++
		case OutcomeNotAvailable:
		default:
			t.Errorf("unexpected outcome %s", res.Outcome)
		}
	}
	if wins != 1 {
		t.Fatalf("wins = %d, want exactly 1", wins)
	}
}

func TestAssignToOwner(t *testing.T) {
	ctx := context.Background()

	t.Run("takes the first free seat without a link", func(t *testing.T) {
		svc, dir, _ := newTestService(t)
		seedLicense(dir, "lic-1", "owner")
		seedProfile(dir, "owner", model.SubscriptionTrial)

		res, err := svc.AssignToOwner(ctx, "owner")
		if err != nil {
			t.Fatalf("AssignToOwner: %v", err)
		}
		if res.Outcome != OutcomeSuccess {
			t.Fatalf("outcome = %s, want %s", res.Outcome, OutcomeSuccess)
		}
		got := dir.license("lic-1")
		if got.LinkedAccountID == nil || *got.LinkedAccountID != "owner" {
			t.Errorf("license not self-assigned: %+v", got)
		}
	})

	t.Run("fails when already self-assigned", func(t *testing.T) {
		svc, dir, _ := newTestService(t)
		owner := "owner"
		seedLicense(dir, "lic-1", "owner", func(l *model.License) {
			l.Status = model.LicenseActive
			l.LinkedAccountID = &owner
		})
		seedLicense(dir, "lic-2", "owner")
		seedProfile(dir, "owner", model.SubscriptionLicensed)

		if _, err := svc.AssignToOwner(ctx, "owner"); !errors.Is(err, ErrAlreadySelfAssigned) {
			t.Fatalf("err = %v, want ErrAlreadySelfAssigned", err)
		}
	})

	t.Run("fails on an empty pool", func(t *testing.T) {
		svc, dir, _ := newTestService(t)
		seedProfile(dir, "owner", model.SubscriptionTrial)
		if _, err := svc.AssignToOwner(ctx, "owner"); !errors.Is(err, ErrNoneAvailable) {
			t.Fatalf("err = %v, want ErrNoneAvailable", err)
		}
		_ = dir
	})

	t.Run("specific seat variant honors the self-assignment guard", func(t *testing.T) {
		svc, dir, _ := newTestService(t)
		seedLicense(dir, "lic-1", "owner")
		seedProfile(dir, "owner", model.SubscriptionTrial)

		res, err := svc.AssignSpecificToOwner(ctx, "lic-1", "owner")
		if err != nil {
			t.Fatalf("AssignSpecificToOwner: %v", err)
		}
		if res.Outcome != OutcomeSuccess {
			t.Fatalf("outcome = %s, want %s", res.Outcome, OutcomeSuccess)
		}
		if _, err := svc.AssignSpecificToOwner(ctx, "lic-1", "owner"); !errors.Is(err, ErrAlreadySelfAssigned) {
			t.Fatalf("second call err = %v, want ErrAlreadySelfAssigned", err)
		}
	})
}

func TestRequestUnlink(t *testing.T) {
	ctx := context.Background()
	holder := "collab"

	t.Run("schedules the release on the next billing anchor", func(t *testing.T) {
		svc, dir, _ := newTestService(t)
		seedLicense(dir, "lic-1", "owner", func(l *model.License) {
			l.Status = model.LicenseActive
			l.LinkedAccountID = &holder
		})
		dir.putProfile(model.Profile{ID: "owner", SubscriptionType: model.SubscriptionFree, BillingAnchorDay: 15})

		lic, err := svc.RequestUnlink(ctx, "lic-1", "owner")
		if err != nil {
			t.Fatalf("RequestUnlink: %v", err)
		}
		want := time.Date(2026, time.April, 15, 0, 0, 0, 0, time.UTC)
		if lic.UnlinkEffectiveAt == nil || !lic.UnlinkEffectiveAt.Equal(want) {
			t.Errorf("effective = %v, want %v", lic.UnlinkEffectiveAt, want)
		}
		if lic.UnlinkRequestedAt == nil || !lic.UnlinkRequestedAt.Equal(testNow) {
			t.Errorf("requested = %v, want %v", lic.UnlinkRequestedAt, testNow)
		}
		if lic.LinkedAccountID == nil {
			t.Error("assignment must survive the unlink request")
		}
	})

	t.Run("falls back to the default anchor day", func(t *testing.T) {
		svc, dir, _ := newTestService(t)
		seedLicense(dir, "lic-1", "owner", func(l *model.License) {
			l.Status = model.LicenseActive
			l.LinkedAccountID = &holder
		})

		lic, err := svc.RequestUnlink(ctx, "lic-1", "owner")
		if err != nil {
			t.Fatalf("RequestUnlink: %v", err)
		}
		want := time.Date(2026, time.April, 5, 0, 0, 0, 0, time.UTC)
		if lic.UnlinkEffectiveAt == nil || !lic.UnlinkEffectiveAt.Equal(want) {
			t.Errorf("effective = %v, want %v", lic.UnlinkEffectiveAt, want)
		}
	})

	t.Run("rejects an unassigned seat", func(t *testing.T) {
		svc, dir, _ := newTestService(t)
		seedLicense(dir, "lic-1", "owner")
		if _, err := svc.RequestUnlink(ctx, "lic-1", "owner"); !errors.Is(err, ErrNotAssigned) {
			t.Fatalf("err = %v, want ErrNotAssigned", err)
		}
	})

	t.Run("rejects a second request while one is pending", func(t *testing.T) {
		svc, dir, _ := newTestService(t)
		seedLicense(dir, "lic-1", "owner", func(l *model.License) {
			l.Status = model.LicenseActive
			l.LinkedAccountID = &holder
		})
		if _, err := svc.RequestUnlink(ctx, "lic-1", "owner"); err != nil {
			t.Fatalf("first RequestUnlink: %v", err)
		}
		if _, err := svc.RequestUnlink(ctx, "lic-1", "owner"); !errors.Is(err, ErrUnlinkInProgress) {
			t.Fatalf("err = %v, want ErrUnlinkInProgress", err)
		}
	})

	t.Run("rejects a foreign license", func(t *testing.T) {
		svc, dir, _ := newTestService(t)
		seedLicense(dir, "lic-1", "someone-else", func(l *model.License) {
			l.Status = model.LicenseActive
			l.LinkedAccountID = &holder
		})
		if _, err := svc.RequestUnlink(ctx, "lic-1", "owner"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("err = %v, want ErrNotFound", err)
		}
	})
}

func TestCancelUnlinkRequest(t *testing.T) {
	ctx := context.Background()
	holder := "collab"
	svc, dir, _ := newTestService(t)
	seedLicense(dir, "lic-1", "owner", func(l *model.License) {
		l.Status = model.LicenseActive
		l.LinkedAccountID = &holder
	})

	if _, err := svc.CancelUnlinkRequest(ctx, "lic-1", "owner"); !errors.Is(err, ErrNoUnlinkPending) {
		t.Fatalf("err = %v, want ErrNoUnlinkPending", err)
	}

	if _, err := svc.RequestUnlink(ctx, "lic-1", "owner"); err != nil {
		t.Fatalf("RequestUnlink: %v", err)
	}
	lic, err := svc.CancelUnlinkRequest(ctx, "lic-1", "owner")
	if err != nil {
		t.Fatalf("CancelUnlinkRequest: %v", err)
	}
	if lic.UnlinkRequestedAt != nil || lic.UnlinkEffectiveAt != nil {
		t.Errorf("unlink timestamps must be cleared: %+v", lic)
	}
	if lic.LinkedAccountID == nil {
		t.Error("assignment must be intact after cancellation")
	}
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	holder := "collab"
	svc, dir, rec := newTestService(t)
	end := testNow.AddDate(0, 1, 0)
	seedLicense(dir, "lic-1", "owner", func(l *model.License) {
		l.Status = model.LicenseActive
		l.LinkedAccountID = &holder
		l.EndDate = &end
	})

	lic, err := svc.Cancel(ctx, "lic-1", "owner")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if lic.Status != model.LicenseCanceled {
		t.Errorf("status = %s, want canceled", lic.Status)
	}
	if lic.LinkedAccountID == nil || lic.EndDate == nil {
		t.Error("cancel must preserve assignment and end date")
	}
	if len(rec.calls) != 1 || rec.calls[0] != "owner" {
		t.Errorf("reconciler calls = %v, want one for owner", rec.calls)
	}

	if _, err := svc.Cancel(ctx, "lic-1", "owner"); !errors.Is(err, ErrStateChanged) {
		t.Fatalf("second cancel err = %v, want ErrStateChanged", err)
	}
}

func TestDeleteLicense(t *testing.T) {
	ctx := context.Background()
	holder := "collab"

	t.Run("deletes a free non-lifetime seat and reconciles", func(t *testing.T) {
		svc, dir, rec := newTestService(t)
		seedLicense(dir, "lic-1", "owner")

		if err := svc.DeleteLicense(ctx, "lic-1", "owner"); err != nil {
			t.Fatalf("DeleteLicense: %v", err)
		}
		if got, _ := svc.licenses.ByID(ctx, "lic-1"); got != nil {
			t.Error("license must be gone")
		}
		if len(rec.calls) != 1 {
			t.Errorf("reconciler calls = %v, want one", rec.calls)
		}
		_ = dir
	})

	t.Run("refuses an assigned seat", func(t *testing.T) {
		svc, dir, _ := newTestService(t)
		seedLicense(dir, "lic-1", "owner", func(l *model.License) {
			l.Status = model.LicenseActive
			l.LinkedAccountID = &holder
		})
		if err := svc.DeleteLicense(ctx, "lic-1", "owner"); !errors.Is(err, ErrAssigned) {
			t.Fatalf("err = %v, want ErrAssigned", err)
		}
	})

	t.Run("refuses a lifetime seat", func(t *testing.T) {
		svc, dir, _ := newTestService(t)
		seedLicense(dir, "lic-1", "owner", func(l *model.License) { l.IsLifetime = true })
		if err := svc.DeleteLicense(ctx, "lic-1", "owner"); !errors.Is(err, ErrLifetimeSeat) {
			t.Fatalf("err = %v, want ErrLifetimeSeat", err)
		}
	})

	t.Run("refuses a foreign seat", func(t *testing.T) {
		svc, dir, _ := newTestService(t)
		seedLicense(dir, "lic-1", "someone-else")
		if err := svc.DeleteLicense(ctx, "lic-1", "owner"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("err = %v, want ErrNotFound", err)
		}
	})
}

func TestCreatePool(t *testing.T) {
	ctx := context.Background()
	svc, dir, rec := newTestService(t)

	created, err := svc.CreatePool(ctx, "owner", PoolOptions{Quantity: 3, MonthlyPriceCents: 1500, VATRate: 0.2})
	if err != nil {
		t.Fatalf("CreatePool: %v", err)
	}
	if len(created) != 3 {
		t.Fatalf("created %d seats, want 3", len(created))
	}
	pool, err := svc.AvailableLicenses(ctx, "owner")
	if err != nil {
		t.Fatalf("AvailableLicenses: %v", err)
	}
	if len(pool) != 3 {
		t.Fatalf("available %d seats, want 3", len(pool))
	}
	for _, l := range pool {
		if l.ID == "" || l.Status != model.LicenseAvailable || l.MonthlyPriceCents != 1500 {
			t.Errorf("bad pool seat: %+v", l)
		}
	}
	if len(rec.calls) != 1 {
		t.Errorf("reconciler calls = %v, want one", rec.calls)
	}
	_ = dir

	if _, err := svc.CreatePool(ctx, "owner", PoolOptions{Quantity: 0}); err == nil {
		t.Fatal("zero quantity must fail")
	}
}

func TestCreatePool_ReplaySameBatch(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)

	opts := PoolOptions{Quantity: 2, MonthlyPriceCents: 900, BatchID: "batch-1"}
	first, err := svc.CreatePool(ctx, "owner", opts)
	if err != nil {
		t.Fatalf("CreatePool: %v", err)
	}
	second, err := svc.CreatePool(ctx, "owner", opts)
	if err != nil {
		t.Fatalf("replayed CreatePool: %v", err)
	}
	if first[0].ID != second[0].ID || first[1].ID != second[1].ID {
		t.Fatal("replay minted new seat ids")
	}
	pool, err := svc.AvailableLicenses(ctx, "owner")
	if err != nil {
		t.Fatalf("AvailableLicenses: %v", err)
	}
	if len(pool) != 2 {
		t.Fatalf("available %d seats after replay, want 2", len(pool))
	}
}
