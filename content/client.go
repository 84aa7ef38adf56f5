package content

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// Lesson is one lesson inside a chapter.
type Lesson struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Order int    `json:"order"`
}

// Chapter groups ordered lessons.
type Chapter struct {
	ID      string   `json:"id"`
	Title   string   `json:"title"`
	Order   int      `json:"order"`
	Lessons []Lesson `json:"lessons"`
}

// CourseStructure is the chapter/lesson tree of a course as the content
// service currently publishes it.
type CourseStructure struct {
	ID       string    `json:"id"`
	Title    string    `json:"title"`
	Chapters []Chapter `json:"chapters"`
}

// TotalLessons counts lessons across all chapters.
func (cs *CourseStructure) TotalLessons() int {
	total := 0
	for _, ch := range cs.Chapters {
		total += len(ch.Lessons)
	}
	return total
}

// FindChapterForLesson scans every chapter's lesson list for the lesson id.
// Returns nil when the lesson is not part of the course.
func (cs *CourseStructure) FindChapterForLesson(lessonID string) *Chapter {
	for i := range cs.Chapters {
		for _, l := range cs.Chapters[i].Lessons {
			if l.ID == lessonID {
				return &cs.Chapters[i]
			}
		}
	}
	return nil
}

// LessonInteraction is one raw lesson-interaction fact for a member.
type LessonInteraction struct {
	LessonID  string     `json:"lesson_id"`
	Completed bool       `json:"completed"`
	CreatedAt *time.Time `json:"created_at"`
}

// Source reads course structures and member interaction snapshots from the
// content service.
type Source interface {
	FetchCourseStructure(ctx context.Context, courseID string) (*CourseStructure, error)
	FetchLessonInteractions(ctx context.Context, courseID, memberExternalID string) ([]LessonInteraction, error)
}

// Client talks to the content service over HTTP. Course structures change
// rarely and are fetched on hot paths, so they go through a redis
// read-through cache when a redis client is configured.
type Client struct {
	BaseURL  string
	APIToken string
	HTTP     *http.Client
	Redis    *redis.Client
	CacheTTL time.Duration
}

func NewClient(baseURL, apiToken string, rdb *redis.Client) *Client {
	return &Client{
		BaseURL:  baseURL,
		APIToken: apiToken,
		HTTP:     &http.Client{Timeout: 10 * time.Second},
		Redis:    rdb,
		CacheTTL: 5 * time.Minute,
	}
}

func (c *Client) structureCacheKey(courseID string) string {
	return "content:course-structure:" + courseID
}

// FetchCourseStructure returns the chapter/lesson tree for a course, or
// (nil, nil) when the content service does not know the course.
func (c *Client) FetchCourseStructure(ctx context.Context, courseID string) (*CourseStructure, error) {
	if c.Redis != nil {
		cached, err := c.Redis.Get(ctx, c.structureCacheKey(courseID)).Bytes()
		if err == nil {
			var structure CourseStructure
			if err := json.Unmarshal(cached, &structure); err == nil {
				return &structure, nil
			}
			// Corrupt cache entry; fall through to the origin fetch
			c.Redis.Del(ctx, c.structureCacheKey(courseID))
		} else if err != redis.Nil {
			logrus.WithError(err).Warn("content: course structure cache read failed")
		}
	}

	var structure CourseStructure
	found, err := c.getJSON(ctx, fmt.Sprintf("/courses/%s/structure", url.PathEscape(courseID)), nil, &structure)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}

	if c.Redis != nil {
		if raw, err := json.Marshal(&structure); err == nil {
			if err := c.Redis.Set(ctx, c.structureCacheKey(courseID), raw, c.CacheTTL).Err(); err != nil {
				logrus.WithError(err).Warn("content: course structure cache write failed")
			}
		}
	}

	return &structure, nil
}

// FetchLessonInteractions returns every lesson interaction recorded for the
// member in the course. Never cached: this is the freshest signal the watch
// reconciler has.
func (c *Client) FetchLessonInteractions(ctx context.Context, courseID, memberExternalID string) ([]LessonInteraction, error) {
	var interactions []LessonInteraction
	query := url.Values{"member_id": {memberExternalID}}
	found, err := c.getJSON(ctx, fmt.Sprintf("/courses/%s/interactions", url.PathEscape(courseID)), query, &interactions)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return interactions, nil
}

// getJSON performs a GET against the content service. Returns found=false on
// 404 so callers can treat unknown resources as absent rather than failed.
func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out interface{}) (bool, error) {
	endpoint := c.BaseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, err
	}
	if c.APIToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIToken)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("content service returned %d for %s", resp.StatusCode, path)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return false, fmt.Errorf("failed to decode content service response: %w", err)
	}
	return true, nil
}
