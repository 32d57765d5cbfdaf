package identity

import (
	"errors"
	"testing"
	"time"
)

func newTwoMeshes(t *testing.T) (parent *MeshIdentity, parentSecrets *MeshSecrets, child *MeshIdentity) {
	t.Helper()
	pf, _ := GenerateNodeIdentity("parent-founder")
	parent, parentSecrets, _, err := CreateMesh("parent", 1, 1, pf, nil)
	if err != nil {
		t.Fatalf("CreateMesh(parent): %v", err)
	}
	cf, _ := GenerateNodeIdentity("child-founder")
	child, _, _, err = CreateMesh("child", 1, 1, cf, nil)
	if err != nil {
		t.Fatalf("CreateMesh(child): %v", err)
	}
	return parent, parentSecrets, child
}

func TestFederationLinkOfflineVerify(t *testing.T) {
	t.Parallel()
	parent, parentSecrets, child := newTwoMeshes(t)
	parentKey, err := parentSecrets.MasterPrivateKey(parent)
	if err != nil {
		t.Fatalf("MasterPrivateKey: %v", err)
	}

	link, err := CreateFederationLink(parent, parentKey, child, []string{"chat", "embed"}, 2, false, 30)
	if err != nil {
		t.Fatalf("CreateFederationLink: %v", err)
	}

	// Verification uses only the parent public key.
	parentPub, _ := parent.MasterPublicKeyBytes()
	if err := link.Verify(parentPub); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !link.AllowsCapability("chat") {
		t.Error("delegated capability not allowed")
	}
	if link.AllowsCapability("device-control") {
		t.Error("undelegated capability allowed")
	}
}

func TestFederationLinkNeverExpires(t *testing.T) {
	t.Parallel()
	parent, parentSecrets, child := newTwoMeshes(t)
	parentKey, _ := parentSecrets.MasterPrivateKey(parent)
	link, err := CreateFederationLink(parent, parentKey, child, nil, 1, true, 0)
	if err != nil {
		t.Fatalf("CreateFederationLink: %v", err)
	}
	if link.ExpiresAt != 0 {
		t.Errorf("expires_at %d, want 0 for never", link.ExpiresAt)
	}
	parentPub, _ := parent.MasterPublicKeyBytes()
	if err := link.Verify(parentPub); err != nil {
		t.Errorf("Verify: %v", err)
	}
}

func TestFederationLinkRejectsTamperAndExpiry(t *testing.T) {
	t.Parallel()
	parent, parentSecrets, child := newTwoMeshes(t)
	parentKey, _ := parentSecrets.MasterPrivateKey(parent)
	parentPub, _ := parent.MasterPublicKeyBytes()

	link, err := CreateFederationLink(parent, parentKey, child, []string{"chat"}, 1, false, 7)
	if err != nil {
		t.Fatalf("CreateFederationLink: %v", err)
	}

	t.Run("tampered caps", func(t *testing.T) {
		forged := *link
		forged.AllowedCaps = []string{"chat", "admin"}
		if err := forged.Verify(parentPub); !errors.Is(err, ErrLinkBadSignature) {
			t.Errorf("got %v, want ErrLinkBadSignature", err)
		}
	})

	t.Run("flipped create-children flag", func(t *testing.T) {
		forged := *link
		forged.CanCreateChildren = true
		if err := forged.Verify(parentPub); !errors.Is(err, ErrLinkBadSignature) {
			t.Errorf("got %v, want ErrLinkBadSignature", err)
		}
	})

	t.Run("expired", func(t *testing.T) {
		// Sign a link that is already past its expiry.
		short := *link
		short.ExpiresAt = time.Now().Add(-time.Hour).Unix()
		short.Signature = ""
		resigned, err := CreateFederationLink(parent, parentKey, child, []string{"chat"}, 1, false, 7)
		if err != nil {
			t.Fatalf("CreateFederationLink: %v", err)
		}
		resigned.ExpiresAt = short.ExpiresAt
		// Expiry is inside the signed form, so mutating it also breaks the
		// signature; either typed failure is a rejection.
		if err := resigned.Verify(parentPub); err == nil {
			t.Error("expired link verified")
		}
	})

	t.Run("wrong parent key", func(t *testing.T) {
		otherPub, _ := child.MasterPublicKeyBytes()
		if err := link.Verify(otherPub); !errors.Is(err, ErrLinkBadSignature) {
			t.Errorf("got %v, want ErrLinkBadSignature", err)
		}
	})
}
