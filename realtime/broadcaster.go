package realtime

// UploadProgress is the payload of document:upload_progress.
type UploadProgress struct {
	DocID  string `json:"doc_id"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// SearchCompleted is the payload of search:completed.
type SearchCompleted struct {
	Query   string `json:"query"`
	Results any    `json:"results"`
}

// Broadcaster publishes domain events to project rooms. It satisfies
// ingest.ProgressPublisher.
type Broadcaster struct {
	reg *Registry
}

func NewBroadcaster(reg *Registry) *Broadcaster {
	return &Broadcaster{reg: reg}
}

// PublishUploadProgress announces a document status transition to the
// project room. The returned error is diagnostic only; the registry has
// delivered to every member it could.
func (b *Broadcaster) PublishUploadProgress(projectID, docID, status, errMsg string) error {
	return b.reg.Broadcast(ProjectRoom(projectID), EventUploadProgress, UploadProgress{
		DocID:  docID,
		Status: status,
		Error:  errMsg,
	})
}

// PublishSearchCompleted announces a finished search to the project room.
func (b *Broadcaster) PublishSearchCompleted(projectID, query string, results any) error {
	return b.reg.Broadcast(ProjectRoom(projectID), EventSearchCompleted, SearchCompleted{
		Query:   query,
		Results: results,
	})
}
