// Package models provides data model definitions for the StudySync backend.
package models

import (
	"fmt"

	"github.com/kimhsiao/studysync/backend/internal/errors"
)

// EntityType identifies one of the fixed categories of user data that is
// cached locally and synced to the user's remote document.
type EntityType string

const (
	EntityProfile       EntityType = "profile"
	EntityTasks         EntityType = "tasks"
	EntitySkills        EntityType = "skills"
	EntityAchievements  EntityType = "achievements"
	EntityChatMessages  EntityType = "chatMessages"
	EntityLearningPaths EntityType = "learningPaths"
)

// entityTables maps each entity type to its local cache partition.
var entityTables = map[EntityType]string{
	EntityProfile:       "cache_profile",
	EntityTasks:         "cache_tasks",
	EntitySkills:        "cache_skills",
	EntityAchievements:  "cache_achievements",
	EntityChatMessages:  "cache_chat_messages",
	EntityLearningPaths: "cache_learning_paths",
}

// AllEntityTypes returns every entity type in partition order.
func AllEntityTypes() []EntityType {
	return []EntityType{
		EntityProfile,
		EntityTasks,
		EntitySkills,
		EntityAchievements,
		EntityChatMessages,
		EntityLearningPaths,
	}
}

// Valid reports whether e is one of the known entity types.
func (e EntityType) Valid() bool {
	_, ok := entityTables[e]
	return ok
}

// TableName returns the cache table holding records of this entity type.
// It returns an empty string for unknown types.
func (e EntityType) TableName() string {
	return entityTables[e]
}

// String returns the field name used in the remote user document.
func (e EntityType) String() string {
	return string(e)
}

// ParseEntityType converts s into an EntityType.
func ParseEntityType(s string) (EntityType, error) {
	e := EntityType(s)
	if !e.Valid() {
		return "", errors.New(errors.ErrInvalid, fmt.Sprintf("unknown entity type %q", s))
	}
	return e, nil
}
