package gateway

import (
	"github.com/hitoshi/fitlog/internal/backend"
	"github.com/hitoshi/fitlog/internal/model"
)

// TableSpec はテーブルのスコープ規則を表す。
// VisibilityColumnが空のテーブルは所有者のみが読み書きできる（Owned）。
// 空でないテーブルは公開フラグを持ち、公開行は誰でも読める（Shareable）。
type TableSpec struct {
	Name             string
	OwnerColumn      string
	VisibilityColumn string
	IDColumn         string
	DefaultOrder     []backend.Order
}

// Shareable は公開フラグを持つテーブルかどうかを返す。
func (s TableSpec) Shareable() bool {
	return s.VisibilityColumn != ""
}

func owned(name string, orders ...backend.Order) TableSpec {
	return TableSpec{Name: name, OwnerColumn: "user_id", IDColumn: "id", DefaultOrder: orders}
}

func shareable(name string, orders ...backend.Order) TableSpec {
	spec := owned(name, orders...)
	spec.VisibilityColumn = "is_public"
	return spec
}

func newestFirst(column string) backend.Order {
	return backend.Order{Column: column, Ascending: false}
}

// テーブル定義
var (
	WorkoutsTable     = owned("workouts", newestFirst("date"), newestFirst("created_at"))
	LibraryTable      = owned("workout_library", newestFirst("created_at"))
	MeasurementsTable = owned("measurements", newestFirst("date"))
	DailyLogsTable    = owned("daily_logs", newestFirst("date"))
	GoalsTable        = owned("goals", newestFirst("created_at"))
	SobrietyTable     = owned("sobriety", newestFirst("start_date"))
	// profiles はidがそのまま所有者ID。
	ProfilesTable = TableSpec{Name: "profiles", OwnerColumn: "id", IDColumn: "id"}

	RecipesTable   = shareable("recipes", newestFirst("created_at"))
	BlogPostsTable = shareable("blog_posts", newestFirst("created_at"))
	GalleryTable   = shareable("gallery", newestFirst("date"))
	TravelTable    = shareable("travel", newestFirst("date_visited"))
)

// Tables はアプリケーションが使用する全テーブルのアクセサをまとめる。
type Tables struct {
	Workouts     *Table[model.Workout]
	Library      *Table[model.LibraryWorkout]
	Measurements *Table[model.Measurement]
	DailyLogs    *Table[model.DailyLog]
	Goals        *Table[model.Goal]
	Sobriety     *Table[model.Sobriety]
	Profiles     *Table[model.Profile]

	Recipes   *Table[model.Recipe]
	BlogPosts *Table[model.BlogPost]
	Gallery   *Table[model.GalleryItem]
	Travel    *Table[model.Trip]
}

// NewTables は全テーブルのアクセサを生成する。
func NewTables(g *Gateway) *Tables {
	return &Tables{
		Workouts:     NewTable[model.Workout](g, WorkoutsTable),
		Library:      NewTable[model.LibraryWorkout](g, LibraryTable),
		Measurements: NewTable[model.Measurement](g, MeasurementsTable),
		DailyLogs:    NewTable[model.DailyLog](g, DailyLogsTable),
		Goals:        NewTable[model.Goal](g, GoalsTable),
		Sobriety:     NewTable[model.Sobriety](g, SobrietyTable),
		Profiles:     NewTable[model.Profile](g, ProfilesTable),
		Recipes:      NewTable[model.Recipe](g, RecipesTable),
		BlogPosts:    NewTable[model.BlogPost](g, BlogPostsTable),
		Gallery:      NewTable[model.GalleryItem](g, GalleryTable),
		Travel:       NewTable[model.Trip](g, TravelTable),
	}
}
