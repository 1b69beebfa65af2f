package todoist

type Task struct {
	ID          string   `json:"id"`
	ProjectID   string   `json:"project_id"`
	Content     string   `json:"content"`
	SectionID   string   `json:"section_id,omitempty"`
	Labels      []string `json:"labels"`
	IsCompleted bool     `json:"is_completed"`
}

type Project struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type Section struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	Name      string `json:"name"`
}

type CreateTaskRequest struct {
	Content   string   `json:"content"`
	ProjectID string   `json:"project_id,omitempty"`
	SectionID string   `json:"section_id,omitempty"`
	Labels    []string `json:"labels,omitempty"`
}

// UpdateTaskRequest covers the mutable task fields. The REST API has no way
// to move a task between sections; callers emulate that with close+recreate.
type UpdateTaskRequest struct {
	Content string   `json:"content,omitempty"`
	Labels  []string `json:"labels,omitempty"`
}
