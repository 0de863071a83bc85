// Package model はドメインモデルを定義する。
package model

import (
	"encoding/json"
	"time"
)

// 所有者付きレコード（Owned Record）。user_id列で作成者に紐付く。

// Workout は実施したトレーニングの記録を表す。
type Workout struct {
	ID        string     `json:"id,omitempty"`
	UserID    string     `json:"user_id,omitempty"`
	Name      string     `json:"name"`
	Type      string     `json:"type"`
	Duration  int        `json:"duration"`
	Calories  int        `json:"calories"`
	Notes     string     `json:"notes,omitempty"`
	Date      string     `json:"date"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
}

// LibraryWorkout はワークアウトライブラリに保存されたテンプレートを表す。
type LibraryWorkout struct {
	ID                string          `json:"id,omitempty"`
	UserID            string          `json:"user_id,omitempty"`
	Name              string          `json:"name"`
	Description       string          `json:"description,omitempty"`
	Goal              string          `json:"goal,omitempty"`
	MuscleGroup       string          `json:"muscle_group,omitempty"`
	CardioMode        string          `json:"cardio_mode,omitempty"`
	EstimatedDuration int             `json:"estimated_duration"`
	Exercises         json.RawMessage `json:"exercises,omitempty"`
	CreatedAt         *time.Time      `json:"created_at,omitempty"`
}

// Measurement は身体計測の記録を表す。未入力の項目はnil。
type Measurement struct {
	ID        string     `json:"id,omitempty"`
	UserID    string     `json:"user_id,omitempty"`
	Weight    *float64   `json:"weight,omitempty"`
	Chest     *float64   `json:"chest,omitempty"`
	Waist     *float64   `json:"waist,omitempty"`
	Hips      *float64   `json:"hips,omitempty"`
	Arms      *float64   `json:"arms,omitempty"`
	Thighs    *float64   `json:"thighs,omitempty"`
	Date      string     `json:"date"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
}

// DailyLog は1日1件の体調記録を表す。(user_id, date)で一意。
type DailyLog struct {
	ID           string     `json:"id,omitempty"`
	UserID       string     `json:"user_id,omitempty"`
	Date         string     `json:"date"`
	WaterIntake  int        `json:"water_intake"`
	SleepHours   float64    `json:"sleep_hours"`
	SleepQuality int        `json:"sleep_quality"`
	Mood         string     `json:"mood"`
	Energy       int        `json:"energy"`
	Notes        string     `json:"notes,omitempty"`
	CreatedAt    *time.Time `json:"created_at,omitempty"`
}

// Goal は数値目標と進捗を表す。
type Goal struct {
	ID        string     `json:"id,omitempty"`
	UserID    string     `json:"user_id,omitempty"`
	Name      string     `json:"name"`
	Category  string     `json:"category"`
	Target    float64    `json:"target"`
	Current   float64    `json:"current"`
	Unit      string     `json:"unit"`
	Completed bool       `json:"completed"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
}

// Sobriety は断酒・禁煙などの継続記録を表す。
type Sobriety struct {
	ID        string     `json:"id,omitempty"`
	UserID    string     `json:"user_id,omitempty"`
	Type      string     `json:"type"`
	StartDate string     `json:"start_date"`
	IsActive  bool       `json:"is_active"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
}

// Profile はユーザーの表示用プロフィール。idがそのまま所有者IDになる。
type Profile struct {
	ID          string     `json:"id,omitempty"`
	DisplayName string     `json:"display_name"`
	AvatarURL   string     `json:"avatar_url,omitempty"`
	UpdatedAt   *time.Time `json:"updated_at,omitempty"`
}

// 公開可能レコード（Shareable Record）。is_public列で公開範囲を持つ。

// Recipe はレシピを表す。
type Recipe struct {
	ID           string     `json:"id,omitempty"`
	UserID       string     `json:"user_id,omitempty"`
	Name         string     `json:"name"`
	Category     string     `json:"category"`
	Description  string     `json:"description,omitempty"`
	Calories     int        `json:"calories"`
	Protein      int        `json:"protein"`
	PrepTime     int        `json:"prep_time"`
	Instructions string     `json:"instructions,omitempty"`
	IsPublic     bool       `json:"is_public"`
	CreatedAt    *time.Time `json:"created_at,omitempty"`
}

// BlogPost はブログ記事を表す。ContentはサニタイズされたHTML。
type BlogPost struct {
	ID          string     `json:"id,omitempty"`
	UserID      string     `json:"user_id,omitempty"`
	Title       string     `json:"title"`
	Content     string     `json:"content"`
	Excerpt     string     `json:"excerpt,omitempty"`
	IsPublic    bool       `json:"is_public"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
	CreatedAt   *time.Time `json:"created_at,omitempty"`
}

// GalleryItem はギャラリーの写真・動画を表す。
type GalleryItem struct {
	ID        string     `json:"id,omitempty"`
	UserID    string     `json:"user_id,omitempty"`
	Title     string     `json:"title"`
	URL       string     `json:"url"`
	Type      string     `json:"type"` // "image" | "video"
	Date      string     `json:"date"`
	IsPublic  bool       `json:"is_public"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
}

// Trip は旅行記録を表す。
type Trip struct {
	ID          string     `json:"id,omitempty"`
	UserID      string     `json:"user_id,omitempty"`
	Country     string     `json:"country"`
	City        string     `json:"city"`
	Description string     `json:"description,omitempty"`
	Highlights  string     `json:"highlights,omitempty"`
	DateVisited string     `json:"date_visited"`
	Rating      int        `json:"rating"`
	WouldReturn bool       `json:"would_return"`
	IsPublic    bool       `json:"is_public"`
	CreatedAt   *time.Time `json:"created_at,omitempty"`
}
