package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ForbiddenError indicates the actor is not a member of the collection.
type ForbiddenError struct {
	CollectionID string
	ActorID      string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("actor %s is not a member of collection %s", e.ActorID, e.CollectionID)
}

// Service provides collection membership checks backed by SQL.
type Service struct {
	DB *sql.DB
}

func (s Service) IsMember(ctx context.Context, collectionID, actorID string) (bool, error) {
	if actorID == "" {
		return false, errors.New("actor_id required")
	}
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT 1 FROM collection_members WHERE collection_id=? AND actor_id=? LIMIT 1`, collectionID, actorID).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// RequireMember returns ForbiddenError when actorID does not belong to collectionID.
func (s Service) RequireMember(ctx context.Context, collectionID, actorID string) error {
	ok, err := s.IsMember(ctx, collectionID, actorID)
	if err != nil {
		return err
	}
	if !ok {
		return ForbiddenError{CollectionID: collectionID, ActorID: actorID}
	}
	return nil
}
