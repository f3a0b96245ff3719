package remotestore

import (
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/geomemo/internal/notes"
)

var (
	errVersionMismatch = errors.New("version mismatch")
	errEntityDeleted   = errors.New("entity already deleted")
	errForeignOwner    = errors.New("identifier belongs to another owner")
	errEntityMissing   = errors.New("entity does not exist")
)

// rowState is the versioned part shared by markers and memos.
type rowState struct {
	OwnerID          string
	CreatedAtSeconds int64
	UpdatedAtSeconds int64
	IsDeleted        bool
	Version          int64
}

type writeRequest struct {
	Entity           EntityType
	EntityID         string
	OwnerID          string
	Operation        OperationType
	Version          int64
	CreatedAtSeconds int64
	UpdatedAtSeconds int64
}

type writeOutcome struct {
	// Replayed marks a create the store had already accepted. Nothing is written.
	Replayed bool
	State    rowState
	Audit    *EntityChange
}

// resolveWrite decides whether req may be applied on top of existing. Creates are
// idempotent for their owner; updates must name the stored version; deletes need a live
// row.
func resolveWrite(existing *rowState, req writeRequest, appliedAt time.Time) (writeOutcome, error) {
	op := fmt.Sprintf("remotestore.%s_%s", req.Operation, req.Entity)

	switch req.Operation {
	case OperationTypeCreate:
		if existing != nil {
			if existing.OwnerID != req.OwnerID {
				return writeOutcome{}, notes.Conflict(op, errForeignOwner)
			}
			if existing.IsDeleted {
				return writeOutcome{}, notes.Conflict(op, errEntityDeleted)
			}
			return writeOutcome{Replayed: true, State: *existing}, nil
		}
	case OperationTypeUpdate, OperationTypeDelete:
		if existing == nil || existing.IsDeleted || existing.OwnerID != req.OwnerID {
			return writeOutcome{}, notes.NotFound(op, errEntityMissing)
		}
		if req.Operation == OperationTypeUpdate && req.Version != existing.Version {
			return writeOutcome{}, notes.Conflict(op, fmt.Errorf("%w: stored %d, sent %d", errVersionMismatch, existing.Version, req.Version))
		}
	default:
		return writeOutcome{}, notes.Validation(op, fmt.Errorf("unsupported operation %q", req.Operation))
	}

	stored := rowState{OwnerID: req.OwnerID}
	if existing != nil {
		stored = *existing
	}

	updated := stored
	if updated.CreatedAtSeconds == 0 {
		if req.CreatedAtSeconds > 0 {
			updated.CreatedAtSeconds = req.CreatedAtSeconds
		} else {
			updated.CreatedAtSeconds = appliedAt.Unix()
		}
	}
	if req.UpdatedAtSeconds > stored.UpdatedAtSeconds {
		updated.UpdatedAtSeconds = req.UpdatedAtSeconds
	} else if req.Operation == OperationTypeDelete || stored.UpdatedAtSeconds == 0 {
		updated.UpdatedAtSeconds = appliedAt.Unix()
	}
	if updated.UpdatedAtSeconds < updated.CreatedAtSeconds {
		updated.CreatedAtSeconds = updated.UpdatedAtSeconds
	}
	updated.IsDeleted = req.Operation == OperationTypeDelete

	nextVersion := stored.Version + 1
	if nextVersion <= 0 {
		nextVersion = 1
	}
	updated.Version = nextVersion

	audit := &EntityChange{
		OwnerID:          req.OwnerID,
		EntityType:       req.Entity,
		EntityID:         req.EntityID,
		AppliedAtSeconds: appliedAt.Unix(),
		Operation:        req.Operation,
		NewVersion:       updated.Version,
	}
	if existing != nil && stored.Version > 0 {
		audit.PreviousVersion = pointerTo(stored.Version)
	}

	return writeOutcome{State: updated, Audit: audit}, nil
}

func pointerTo(value int64) *int64 {
	v := value
	return &v
}
