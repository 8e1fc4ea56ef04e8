package storage

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/treepeck/showchat/pkg/types"
)

// User is the persisted profile of a chat participant.
type User struct {
	ID        string `gorm:"primaryKey;size:64"`
	Name      string `gorm:"size:255"`
	Avatar    string `gorm:"size:1024"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (u User) EtoD() *types.User {
	return &types.User{Id: u.ID, Name: u.Name, Avatar: u.Avatar}
}

// Show is the persisted show.  Its id is the chat room id.
type Show struct {
	ID         string `gorm:"primaryKey;size:36"`
	Slug       string `gorm:"uniqueIndex;size:255;not null"`
	Title      string `gorm:"size:255"`
	Overview   string `gorm:"type:text"`
	Year       int
	TraktID    int
	TvdbID     int
	ImdbID     string `gorm:"size:32"`
	Poster     string `gorm:"size:1024"`
	Background string `gorm:"size:1024"`
	Logo       string `gorm:"size:1024"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// BeforeCreate assigns the id of new shows.
func (s *Show) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	return nil
}

func NewSchemaShow(s types.Show) *Show {
	return &Show{
		ID:         s.Id,
		Slug:       s.Slug,
		Title:      s.Title,
		Overview:   s.Overview,
		Year:       s.Year,
		TraktID:    s.TraktId,
		TvdbID:     s.TvdbId,
		ImdbID:     s.ImdbId,
		Poster:     s.Poster,
		Background: s.Background,
		Logo:       s.Logo,
	}
}

func (s Show) EtoD() types.Show {
	return types.Show{
		Id:       s.ID,
		Slug:     s.Slug,
		Title:    s.Title,
		Overview: s.Overview,
		Year:     s.Year,
		Images: types.Images{
			Poster:     s.Poster,
			Background: s.Background,
			Logo:       s.Logo,
		},
		TraktId: s.TraktID,
		TvdbId:  s.TvdbID,
		ImdbId:  s.ImdbID,
	}
}

// Feed is a named ordered list of shows.
type Feed struct {
	Name        string `gorm:"primaryKey;size:64"`
	LastUpdated time.Time
	Shows       []FeedShow `gorm:"foreignKey:FeedName;references:Name;constraint:OnDelete:CASCADE"`
}

// FeedShow places a show at a position of a feed.
type FeedShow struct {
	FeedName string `gorm:"primaryKey;size:64"`
	Position int    `gorm:"primaryKey"`
	ShowID   string `gorm:"size:36;not null"`
	Show     Show   `gorm:"foreignKey:ShowID"`
}

func (f Feed) EtoD() types.Feed {
	shows := make([]types.Show, 0, len(f.Shows))
	for _, fs := range f.Shows {
		shows = append(shows, fs.Show.EtoD())
	}
	return types.Feed{Name: f.Name, LastUpdated: f.LastUpdated, Shows: shows}
}
