package types

import "time"

/*
User represents the public profile of a chat participant.
*/
type User struct {
	Id     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Avatar string `json:"avatar,omitempty"`
}

/*
Images holds the artwork urls of a show.
*/
type Images struct {
	Poster     string `json:"poster,omitempty"`
	Background string `json:"background,omitempty"`
	Logo       string `json:"logo,omitempty"`
}

/*
Show represents a TV show.  Its id is the chat room id.
*/
type Show struct {
	Id       string `json:"id"`
	Slug     string `json:"slug,omitempty"`
	Title    string `json:"title,omitempty"`
	Overview string `json:"overview,omitempty"`
	Year     int    `json:"year,omitempty"`
	Images
	// External ids used to fetch the artwork.
	TraktId int    `json:"traktId,omitempty"`
	TvdbId  int    `json:"tvdbId,omitempty"`
	ImdbId  string `json:"imdbId,omitempty"`
}

/*
HasImages reports whether the show artwork has already been fetched.
*/
func (s Show) HasImages() bool {
	return s.Poster != "" || s.Background != ""
}

/*
Feed is a named ordered list of shows, e.g. the homepage.
*/
type Feed struct {
	Name        string    `json:"name"`
	LastUpdated time.Time `json:"lastUpdated"`
	Shows       []Show    `json:"shows"`
}

/*
ChatMessage represents a single message posted to a show room.
*/
type ChatMessage struct {
	CreatedAt time.Time `json:"createdAt"`
	Id        string    `json:"id"`
	Room      string    `json:"room"`
	Author    string    `json:"author"`
	Text      string    `json:"text"`
}

// RoomId implements [subscription.RoomScoped].
func (m ChatMessage) RoomId() string { return m.Room }
