package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/treepeck/showchat/internal/catalog"
	"github.com/treepeck/showchat/pkg/types"
)

// CatalogRepository persists shows and feeds.
type CatalogRepository struct {
	db *gorm.DB
}

var _ catalog.Store = (*CatalogRepository)(nil)

func NewCatalogRepository(db *gorm.DB) *CatalogRepository {
	return &CatalogRepository{db: db}
}

// Feed returns the named feed with its shows in position order.
func (r *CatalogRepository) Feed(ctx context.Context, name string) (types.Feed, error) {
	var entity Feed
	err := r.db.WithContext(ctx).
		Preload("Shows", func(db *gorm.DB) *gorm.DB { return db.Order("position") }).
		Preload("Shows.Show").
		Where("name = ?", name).
		First(&entity).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.Feed{}, catalog.ErrFeedNotFound
	}
	if err != nil {
		return types.Feed{}, fmt.Errorf("find feed %q: %w", name, err)
	}
	return entity.EtoD(), nil
}

// UpsertShow inserts the show or updates the descriptive columns of the show
// with the same slug.  Stored ids and images are never overwritten.
func (r *CatalogRepository) UpsertShow(ctx context.Context, s types.Show) (types.Show, error) {
	entity := NewSchemaShow(s)
	entity.ID = ""

	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "slug"}},
			DoUpdates: clause.AssignmentColumns([]string{"title", "overview", "year", "trakt_id", "tvdb_id", "imdb_id", "updated_at"}),
		}).
		Create(entity).Error
	if err != nil {
		return types.Show{}, fmt.Errorf("upsert show %q: %w", s.Slug, err)
	}

	var stored Show
	if err := r.db.WithContext(ctx).Where("slug = ?", s.Slug).First(&stored).Error; err != nil {
		return types.Show{}, fmt.Errorf("reload show %q: %w", s.Slug, err)
	}
	return stored.EtoD(), nil
}

func (r *CatalogRepository) SaveImages(ctx context.Context, showId string, img types.Images) error {
	res := r.db.WithContext(ctx).
		Model(&Show{}).
		Where("id = ?", showId).
		Updates(map[string]any{
			"poster":     img.Poster,
			"background": img.Background,
			"logo":       img.Logo,
		})
	if res.Error != nil {
		return fmt.Errorf("save images of show %s: %w", showId, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("save images of show %s: %w", showId, gorm.ErrRecordNotFound)
	}
	return nil
}

// SaveFeed replaces the shows of the feed in one transaction.
func (r *CatalogRepository) SaveFeed(ctx context.Context, name string, showIds []string, updatedAt time.Time) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		feed := Feed{Name: name, LastUpdated: updatedAt}
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"last_updated"}),
		}).Omit("Shows").Create(&feed).Error
		if err != nil {
			return fmt.Errorf("save feed %q: %w", name, err)
		}

		if err := tx.Where("feed_name = ?", name).Delete(&FeedShow{}).Error; err != nil {
			return fmt.Errorf("clear feed %q: %w", name, err)
		}
		if len(showIds) == 0 {
			return nil
		}

		rows := make([]FeedShow, len(showIds))
		for i, id := range showIds {
			rows[i] = FeedShow{FeedName: name, Position: i, ShowID: id}
		}
		if err := tx.Omit("Show").Create(&rows).Error; err != nil {
			return fmt.Errorf("fill feed %q: %w", name, err)
		}
		return nil
	})
}
