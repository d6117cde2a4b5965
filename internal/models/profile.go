package models

import "time"

type Profile struct {
	ID         string    `bson:"_id,omitempty" json:"id"`
	Email      string    `bson:"email" json:"email"`
	FullName   string    `bson:"full_name" json:"full_name"`
	AvatarURL  string    `bson:"avatar_url,omitempty" json:"avatar_url,omitempty"`
	JobTitle   string    `bson:"job_title,omitempty" json:"job_title,omitempty"`
	Company    string    `bson:"company,omitempty" json:"company,omitempty"`
	UserType   string    `bson:"user_type,omitempty" json:"user_type,omitempty"`
	IsAdmin    bool      `bson:"is_admin" json:"is_admin"`
	IsEmployer bool      `bson:"is_employer" json:"is_employer"`
	IsOnline   bool      `bson:"is_online" json:"is_online"`
	CreatedAt  time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt  time.Time `bson:"updated_at" json:"updated_at"`
}
