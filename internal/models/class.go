package models

import "time"

// Class is a group of students taught by one instructor. It references its
// assignments by id only.
type Class struct {
	ID           uint          `gorm:"primaryKey" json:"id"`
	Name         string        `gorm:"size:255;not null" json:"name"`
	InstructorID uint          `gorm:"not null;index" json:"instructor_id"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
	Members      []ClassMember `gorm:"foreignKey:ClassID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"members,omitempty"`
}

// ClassMember enrols a student in a class under a display alias.
type ClassMember struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	ClassID   uint      `gorm:"not null;uniqueIndex:idx_class_member" json:"class_id"`
	StudentID uint      `gorm:"not null;uniqueIndex:idx_class_member" json:"student_id"`
	Alias     string    `gorm:"size:255;not null" json:"alias"`
	Active    bool      `gorm:"not null;default:true" json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ClassAssignment binds one challenge of a lab to a class with its own expiry
// and progress ledger.
type ClassAssignment struct {
	ID          string     `gorm:"type:varchar(36);primaryKey" json:"id"`
	ClassID     uint       `gorm:"not null;uniqueIndex:idx_class_lab_challenge" json:"class_id"`
	LabID       uint       `gorm:"not null;uniqueIndex:idx_class_lab_challenge;index" json:"lab_id"`
	ChallengeID uint       `gorm:"not null;uniqueIndex:idx_class_lab_challenge;index" json:"challenge_id"`
	ExpiresAt   *time.Time `json:"expires_at"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// IsExpired reports whether the assignment no longer accepts regular
// submissions. The expiry instant itself is still inside the window.
func (a ClassAssignment) IsExpired(now time.Time) bool {
	return a.ExpiresAt != nil && now.After(*a.ExpiresAt)
}
