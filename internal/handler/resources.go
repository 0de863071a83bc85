package handler

import (
	"fmt"
	"strings"
	"time"

	"github.com/hitoshi/fitlog/internal/backend"
	"github.com/hitoshi/fitlog/internal/gateway"
	"github.com/hitoshi/fitlog/internal/model"
	"github.com/hitoshi/fitlog/internal/security"
)

// Resources はテーブルごとのCRUDハンドラーをまとめる。
type Resources struct {
	Workouts     *Resource[model.Workout]
	Library      *Resource[model.LibraryWorkout]
	Measurements *Resource[model.Measurement]
	Goals        *Resource[model.Goal]
	Sobriety     *Resource[model.Sobriety]

	Recipes   *Resource[model.Recipe]
	BlogPosts *Resource[model.BlogPost]
	Gallery   *Resource[model.GalleryItem]
	Travel    *Resource[model.Trip]
}

// NewResources は全テーブルのハンドラーを生成する。
// 自由記述のテキストは保存前にsanitizerで無害化する。
func NewResources(tables *gateway.Tables, sanitizer *security.ContentSanitizer, now func() time.Time) *Resources {
	if now == nil {
		now = time.Now
	}
	v := &validator{sanitizer: sanitizer, now: now}
	return &Resources{
		Workouts: NewResource(tables.Workouts, "workout",
			WithPrepare(v.workout),
			WithPatchPrepare[model.Workout](v.patch(nil, []string{"name", "type", "notes"}, []string{"name"}, "date")),
		),
		Library: NewResource(tables.Library, "library workout",
			WithPrepare(v.libraryWorkout),
			WithPatchPrepare[model.LibraryWorkout](v.patch(nil, []string{"name", "description", "goal", "muscle_group", "cardio_mode"}, []string{"name"})),
		),
		Measurements: NewResource(tables.Measurements, "measurement",
			WithPrepare(v.measurement),
			WithPatchPrepare[model.Measurement](v.patch(nil, nil, nil, "date")),
		),
		Goals: NewResource(tables.Goals, "goal",
			WithPrepare(v.goal),
			WithPatchPrepare[model.Goal](v.patch(nil, []string{"name", "category", "unit"}, []string{"name"})),
		),
		Sobriety: NewResource(tables.Sobriety, "sobriety",
			WithPrepare(v.sobriety),
			WithPatchPrepare[model.Sobriety](v.patch(nil, []string{"type"}, []string{"type"}, "start_date")),
		),
		Recipes: NewResource(tables.Recipes, "recipe",
			WithPrepare(v.recipe),
			WithPatchPrepare[model.Recipe](v.patch([]string{"instructions"}, []string{"name", "category", "description"}, []string{"name"})),
		),
		BlogPosts: NewResource(tables.BlogPosts, "blog post",
			WithPrepare(v.blogPost),
			WithPatchPrepare[model.BlogPost](v.patch([]string{"content"}, []string{"title", "excerpt"}, []string{"title"})),
		),
		Gallery: NewResource(tables.Gallery, "gallery item",
			WithPrepare(v.galleryItem),
			WithPatchPrepare[model.GalleryItem](v.galleryPatch),
		),
		Travel: NewResource(tables.Travel, "trip",
			WithPrepare(v.trip),
			WithPatchPrepare[model.Trip](v.tripPatch),
		),
	}
}

// validator は作成・更新前の入力検証と無害化を行う。
type validator struct {
	sanitizer *security.ContentSanitizer
	now       func() time.Time
}

func (v *validator) workout(w *model.Workout) error {
	w.Name = v.sanitizer.Plain(w.Name)
	w.Type = v.sanitizer.Plain(w.Type)
	w.Notes = v.sanitizer.Plain(w.Notes)
	if w.Name == "" {
		return model.NewInvalidInputError("name is required")
	}
	if w.Duration < 0 || w.Calories < 0 {
		return model.NewInvalidInputError("duration and calories must not be negative")
	}
	return v.defaultDate(&w.Date, "date")
}

func (v *validator) libraryWorkout(w *model.LibraryWorkout) error {
	w.Name = v.sanitizer.Plain(w.Name)
	w.Description = v.sanitizer.Plain(w.Description)
	w.Goal = v.sanitizer.Plain(w.Goal)
	w.MuscleGroup = v.sanitizer.Plain(w.MuscleGroup)
	w.CardioMode = v.sanitizer.Plain(w.CardioMode)
	if w.Name == "" {
		return model.NewInvalidInputError("name is required")
	}
	if w.EstimatedDuration < 0 {
		return model.NewInvalidInputError("estimated_duration must not be negative")
	}
	return nil
}

func (v *validator) measurement(m *model.Measurement) error {
	for _, f := range []*float64{m.Weight, m.Chest, m.Waist, m.Hips, m.Arms, m.Thighs} {
		if f != nil && *f < 0 {
			return model.NewInvalidInputError("measurements must not be negative")
		}
	}
	return v.defaultDate(&m.Date, "date")
}

func (v *validator) goal(g *model.Goal) error {
	g.Name = v.sanitizer.Plain(g.Name)
	g.Category = v.sanitizer.Plain(g.Category)
	g.Unit = v.sanitizer.Plain(g.Unit)
	if g.Name == "" {
		return model.NewInvalidInputError("name is required")
	}
	return nil
}

func (v *validator) sobriety(s *model.Sobriety) error {
	s.Type = v.sanitizer.Plain(s.Type)
	if s.Type == "" {
		return model.NewInvalidInputError("type is required")
	}
	return v.defaultDate(&s.StartDate, "start_date")
}

func (v *validator) recipe(r *model.Recipe) error {
	v.sanitizer.SanitizeRecipe(r)
	if r.Name == "" {
		return model.NewInvalidInputError("name is required")
	}
	return nil
}

func (v *validator) blogPost(p *model.BlogPost) error {
	v.sanitizer.SanitizeBlogPost(p)
	if p.Title == "" {
		return model.NewInvalidInputError("title is required")
	}
	return nil
}

func (v *validator) galleryItem(g *model.GalleryItem) error {
	g.Title = v.sanitizer.Plain(g.Title)
	g.URL = strings.TrimSpace(g.URL)
	if err := checkMediaURL(g.URL); err != nil {
		return err
	}
	if err := checkMediaType(g.Type); err != nil {
		return err
	}
	return v.defaultDate(&g.Date, "date")
}

func (v *validator) galleryPatch(patch backend.Row) error {
	if err := v.patch(nil, []string{"title"}, nil, "date")(patch); err != nil {
		return err
	}
	if raw, ok := patch["url"]; ok {
		s, ok := raw.(string)
		if !ok {
			return model.NewInvalidInputError("url must be a string")
		}
		s = strings.TrimSpace(s)
		if err := checkMediaURL(s); err != nil {
			return err
		}
		patch["url"] = s
	}
	if raw, ok := patch["type"]; ok {
		s, _ := raw.(string)
		if err := checkMediaType(s); err != nil {
			return err
		}
	}
	return nil
}

func (v *validator) trip(t *model.Trip) error {
	v.sanitizer.SanitizeTrip(t)
	if t.Country == "" {
		return model.NewInvalidInputError("country is required")
	}
	if err := checkRating(float64(t.Rating)); err != nil {
		return err
	}
	return v.defaultDate(&t.DateVisited, "date_visited")
}

func (v *validator) tripPatch(patch backend.Row) error {
	if err := v.patch(nil, []string{"country", "city", "description", "highlights"}, []string{"country"}, "date_visited")(patch); err != nil {
		return err
	}
	if raw, ok := patch["rating"]; ok {
		n, ok := raw.(float64)
		if !ok {
			return model.NewInvalidInputError("rating must be a number")
		}
		if err := checkRating(n); err != nil {
			return err
		}
	}
	return nil
}

// patch は部分更新の検証関数を返す。
// richの列はHTMLとして、plainの列はテキストとして無害化し、requiredの列は空にできない。
// datesの列は日付書式を検証する。
func (v *validator) patch(rich, plain, required []string, dates ...string) func(backend.Row) error {
	return func(patch backend.Row) error {
		for _, col := range rich {
			if err := sanitizeColumn(patch, col, v.sanitizer.Sanitize); err != nil {
				return err
			}
		}
		for _, col := range plain {
			if err := sanitizeColumn(patch, col, v.sanitizer.Plain); err != nil {
				return err
			}
		}
		for _, col := range required {
			if s, ok := patch[col].(string); ok && s == "" {
				return model.NewInvalidInputError(col + " must not be empty")
			}
		}
		for _, col := range dates {
			raw, ok := patch[col]
			if !ok {
				continue
			}
			s, _ := raw.(string)
			if _, err := time.Parse(dateLayout, s); err != nil {
				return model.NewInvalidInputError(col + " must be a date (YYYY-MM-DD)")
			}
		}
		return nil
	}
}

func sanitizeColumn(patch backend.Row, col string, clean func(string) string) error {
	raw, ok := patch[col]
	if !ok || raw == nil {
		return nil
	}
	s, ok := raw.(string)
	if !ok {
		return model.NewInvalidInputError(col + " must be a string")
	}
	patch[col] = clean(s)
	return nil
}

// defaultDate は空の日付を今日にし、指定された日付の書式を検証する。
func (v *validator) defaultDate(date *string, col string) error {
	*date = strings.TrimSpace(*date)
	if *date == "" {
		*date = today(v.now)
		return nil
	}
	if _, err := time.Parse(dateLayout, *date); err != nil {
		return model.NewInvalidInputError(col + " must be a date (YYYY-MM-DD)")
	}
	return nil
}

func checkMediaURL(raw string) error {
	if err := security.ValidateMediaURL(raw); err != nil {
		return model.NewInvalidInputError("url must be a public https address").WithCause(err)
	}
	return nil
}

func checkMediaType(t string) error {
	if t != "image" && t != "video" {
		return model.NewInvalidInputError(`type must be "image" or "video"`)
	}
	return nil
}

func checkRating(n float64) error {
	if n < 0 || n > 5 || n != float64(int(n)) {
		return model.NewInvalidInputError(fmt.Sprintf("rating must be a whole number from 0 to 5, got %v", n))
	}
	return nil
}
