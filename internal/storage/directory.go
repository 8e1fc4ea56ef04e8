package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/treepeck/showchat/internal/presence"
	"github.com/treepeck/showchat/pkg/types"
)

// Directory expands presence records with the user and show they refer to.
type Directory struct {
	db *gorm.DB
}

var _ presence.Resolver = (*Directory)(nil)

func NewDirectory(db *gorm.DB) *Directory {
	return &Directory{db: db}
}

// Resolve looks up the user and the show of the record.  Unknown rows are
// returned as bare ids.
func (d *Directory) Resolve(ctx context.Context, r presence.Record) (presence.Detail, error) {
	detail := presence.Detail{
		Record: r,
		User:   &types.User{Id: r.Identity},
		Show:   &types.Show{Id: r.Room},
	}

	var user User
	err := d.db.WithContext(ctx).Where("id = ?", r.Identity).First(&user).Error
	switch {
	case err == nil:
		detail.User = user.EtoD()
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return presence.Detail{}, fmt.Errorf("find user %q: %w", r.Identity, err)
	}

	// Show ids are uuids; any other room id cannot name a stored show.
	if uuid.Validate(r.Room) != nil {
		return detail, nil
	}

	var show Show
	err = d.db.WithContext(ctx).Where("id = ?", r.Room).First(&show).Error
	switch {
	case err == nil:
		s := show.EtoD()
		detail.Show = &s
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return presence.Detail{}, fmt.Errorf("find show %q: %w", r.Room, err)
	}

	return detail, nil
}
