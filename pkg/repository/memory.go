package repository

import (
	"context"
	"sort"
	"sync"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/jotter/pkg/model"
)

// Memory is a process-local Repository. It backs tests and `--backend memory`.
type Memory struct {
	mu sync.RWMutex

	notes       map[model.NoteID]*model.Note
	tags        map[model.TagID]*model.Tag
	noteTags    map[model.NoteTag]bool
	projects    map[model.ProjectID]*model.Project
	decisions   map[model.DecisionID]*model.Decision
	actions     map[model.ActionID]*model.Action
	commitments map[model.CommitmentID]*model.Commitment
	unresolved  map[model.UnresolvedID]*model.UnresolvedItem
	people      map[string]*model.Person // by normalized name
	mentions    map[personNoteKey]bool
	links       map[model.LinkID]*model.Link
	digests     map[string]*model.DailyDigest
	quota       *model.QuotaState
}

type personNoteKey struct {
	PersonID model.PersonID
	NoteID   model.NoteID
}

// NewMemory creates an empty in-memory repository
func NewMemory() *Memory {
	return &Memory{
		notes:       make(map[model.NoteID]*model.Note),
		tags:        make(map[model.TagID]*model.Tag),
		noteTags:    make(map[model.NoteTag]bool),
		projects:    make(map[model.ProjectID]*model.Project),
		decisions:   make(map[model.DecisionID]*model.Decision),
		actions:     make(map[model.ActionID]*model.Action),
		commitments: make(map[model.CommitmentID]*model.Commitment),
		unresolved:  make(map[model.UnresolvedID]*model.UnresolvedItem),
		people:      make(map[string]*model.Person),
		mentions:    make(map[personNoteKey]bool),
		links:       make(map[model.LinkID]*model.Link),
		digests:     make(map[string]*model.DailyDigest),
	}
}

func copyNote(n *model.Note) *model.Note {
	cp := *n
	if n.NextStep != nil {
		ns := *n.NextStep
		cp.NextStep = &ns
	}
	return &cp
}

func copyDigest(d *model.DailyDigest) *model.DailyDigest {
	cp := *d
	cp.Highlights = append([]model.DigestHighlight(nil), d.Highlights...)
	cp.Warnings = append([]model.DigestWarning(nil), d.Warnings...)
	cp.SuggestedActions = append([]model.DigestSuggestedAction(nil), d.SuggestedActions...)
	return &cp
}

func (r *Memory) PutNote(ctx context.Context, note *model.Note) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes[note.ID] = copyNote(note)
	return nil
}

func (r *Memory) GetNote(ctx context.Context, id model.NoteID) (*model.Note, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.notes[id]
	if !ok {
		return nil, goerr.Wrap(model.ErrNotFound, "note not found", goerr.V("note_id", id))
	}
	return copyNote(n), nil
}

func (r *Memory) ListNotes(ctx context.Context, input ListNotesInput) ([]*model.Note, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var notes []*model.Note
	for _, n := range r.notes {
		if !input.Since.IsZero() && n.CreatedAt.Before(input.Since) {
			continue
		}
		if !input.Until.IsZero() && !n.CreatedAt.Before(input.Until) {
			continue
		}
		notes = append(notes, copyNote(n))
	}
	sort.Slice(notes, func(i, j int) bool {
		if notes[i].CreatedAt.Equal(notes[j].CreatedAt) {
			return notes[i].ID > notes[j].ID
		}
		return notes[i].CreatedAt.After(notes[j].CreatedAt)
	})
	if input.Limit > 0 && len(notes) > input.Limit {
		notes = notes[:input.Limit]
	}
	return notes, nil
}

func (r *Memory) DeleteNote(ctx context.Context, id model.NoteID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.notes[id]; !ok {
		return goerr.Wrap(model.ErrNotFound, "note not found", goerr.V("note_id", id))
	}
	delete(r.notes, id)
	r.dropExtracted(id)
	r.refreshOpenCommitments()
	for k := range r.noteTags {
		if k.NoteID == id {
			delete(r.noteTags, k)
		}
	}
	for k, l := range r.links {
		if l.NoteID == id {
			delete(r.links, k)
		}
	}
	return nil
}

// dropExtracted removes the entities extracted from a note. Caller holds the lock.
func (r *Memory) dropExtracted(id model.NoteID) {
	for k, v := range r.decisions {
		if v.NoteID == id {
			delete(r.decisions, k)
		}
	}
	for k, v := range r.actions {
		if v.NoteID == id {
			delete(r.actions, k)
		}
	}
	for k, v := range r.commitments {
		if v.NoteID == id {
			delete(r.commitments, k)
		}
	}
	for k, v := range r.unresolved {
		if v.NoteID == id {
			delete(r.unresolved, k)
		}
	}
}

func (r *Memory) ApplyExtraction(ctx context.Context, batch *model.ExtractionBatch) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	noteID := batch.Note.ID
	stored, ok := r.notes[noteID]
	if !ok {
		return goerr.Wrap(model.ErrNotFound, "note disappeared before extraction was stored", goerr.V("note_id", noteID))
	}
	merged, touch := mergeExtraction(stored, batch)
	stampEntities(batch)

	r.notes[noteID] = copyNote(merged)

	existing := make([]*model.Tag, 0, len(r.tags))
	for _, t := range r.tags {
		existing = append(existing, t)
	}
	linked, created := resolveTags(existing, batch.TagNames, batch.ProcessedAt)
	for _, t := range created {
		r.tags[t.ID] = t
	}
	for _, t := range linked {
		r.noteTags[model.NoteTag{NoteID: noteID, TagID: t.ID}] = true
	}

	r.dropExtracted(noteID)
	for _, d := range batch.Decisions {
		cp := *d
		r.decisions[d.ID] = &cp
	}
	for _, a := range batch.Actions {
		cp := *a
		r.actions[a.ID] = &cp
	}
	for _, c := range batch.Commitments {
		cp := *c
		r.commitments[c.ID] = &cp
	}
	for _, u := range batch.Unresolved {
		cp := *u
		r.unresolved[u.ID] = &cp
	}

	for _, m := range uniqueMentions(batch.PeopleNames) {
		p, ok := r.people[m.NormalizedName]
		if !ok {
			p = &model.Person{
				ID:             model.NewPersonID(),
				Name:           m.Name,
				NormalizedName: m.NormalizedName,
				FirstSeenAt:    batch.ProcessedAt,
			}
			r.people[m.NormalizedName] = p
		}
		key := personNoteKey{PersonID: p.ID, NoteID: noteID}
		if !r.mentions[key] {
			r.mentions[key] = true
			p.MentionCount++
		}
		p.LastSeenAt = batch.ProcessedAt
	}
	r.refreshOpenCommitments()

	if touch != "" {
		if p, ok := r.projects[touch]; ok {
			p.LastActiveAt = batch.ProcessedAt
		}
	}
	batch.Note = copyNote(merged)
	return nil
}

// refreshOpenCommitments recomputes the derived counter of every person. Caller holds the lock.
func (r *Memory) refreshOpenCommitments() {
	commitments := make([]*model.Commitment, 0, len(r.commitments))
	for _, c := range r.commitments {
		commitments = append(commitments, c)
	}
	for _, p := range r.people {
		p.OpenCommitments = model.CountOpenCommitments(p.NormalizedName, commitments)
	}
}

func (r *Memory) ListTags(ctx context.Context) ([]*model.Tag, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tags := make([]*model.Tag, 0, len(r.tags))
	for _, t := range r.tags {
		cp := *t
		tags = append(tags, &cp)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i].Name < tags[j].Name })
	return tags, nil
}

func (r *Memory) ListNoteTags(ctx context.Context, noteID model.NoteID) ([]*model.Tag, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var tags []*model.Tag
	for k := range r.noteTags {
		if k.NoteID != noteID {
			continue
		}
		if t, ok := r.tags[k.TagID]; ok {
			cp := *t
			tags = append(tags, &cp)
		}
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i].Name < tags[j].Name })
	return tags, nil
}

func (r *Memory) PutProject(ctx context.Context, project *model.Project) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.projects[project.ID] = project.Clone()
	return nil
}

func (r *Memory) GetProject(ctx context.Context, id model.ProjectID) (*model.Project, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.projects[id]
	if !ok {
		return nil, goerr.Wrap(model.ErrNotFound, "project not found", goerr.V("project_id", id))
	}
	return p.Clone(), nil
}

func (r *Memory) ListProjects(ctx context.Context) ([]*model.Project, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	projects := make([]*model.Project, 0, len(r.projects))
	for _, p := range r.projects {
		projects = append(projects, p.Clone())
	}
	sort.Slice(projects, func(i, j int) bool { return projects[i].CreatedAt.Before(projects[j].CreatedAt) })
	return projects, nil
}

func (r *Memory) ListDecisions(ctx context.Context, noteID model.NoteID) ([]*model.Decision, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*model.Decision
	for _, v := range r.decisions {
		if noteID == "" || v.NoteID == noteID {
			cp := *v
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *Memory) ListActions(ctx context.Context, noteID model.NoteID) ([]*model.Action, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*model.Action
	for _, v := range r.actions {
		if noteID == "" || v.NoteID == noteID {
			cp := *v
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *Memory) ListCommitments(ctx context.Context, noteID model.NoteID) ([]*model.Commitment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*model.Commitment
	for _, v := range r.commitments {
		if noteID == "" || v.NoteID == noteID {
			cp := *v
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *Memory) ListUnresolved(ctx context.Context, noteID model.NoteID) ([]*model.UnresolvedItem, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*model.UnresolvedItem
	for _, v := range r.unresolved {
		if noteID == "" || v.NoteID == noteID {
			cp := *v
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *Memory) PutAction(ctx context.Context, action *model.Action) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.actions[action.ID]; !ok {
		return goerr.Wrap(model.ErrNotFound, "action not found", goerr.V("action_id", action.ID))
	}
	cp := *action
	r.actions[action.ID] = &cp
	return nil
}

func (r *Memory) PutCommitment(ctx context.Context, commitment *model.Commitment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.commitments[commitment.ID]; !ok {
		return goerr.Wrap(model.ErrNotFound, "commitment not found", goerr.V("commitment_id", commitment.ID))
	}
	cp := *commitment
	r.commitments[commitment.ID] = &cp
	r.refreshOpenCommitments()
	return nil
}

func (r *Memory) PutUnresolved(ctx context.Context, item *model.UnresolvedItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.unresolved[item.ID]; !ok {
		return goerr.Wrap(model.ErrNotFound, "unresolved item not found", goerr.V("unresolved_id", item.ID))
	}
	cp := *item
	r.unresolved[item.ID] = &cp
	return nil
}

func (r *Memory) ListPeople(ctx context.Context) ([]*model.Person, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	people := make([]*model.Person, 0, len(r.people))
	for _, p := range r.people {
		cp := *p
		people = append(people, &cp)
	}
	sort.Slice(people, func(i, j int) bool {
		if people[i].MentionCount == people[j].MentionCount {
			return people[i].NormalizedName < people[j].NormalizedName
		}
		return people[i].MentionCount > people[j].MentionCount
	})
	return people, nil
}

func (r *Memory) GetPersonByName(ctx context.Context, name string) (*model.Person, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.people[model.NormalizeName(name)]
	if !ok {
		return nil, goerr.Wrap(model.ErrNotFound, "person not found", goerr.V("name", name))
	}
	cp := *p
	return &cp, nil
}

func (r *Memory) PutLink(ctx context.Context, link *model.Link) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.notes[link.NoteID]; !ok {
		return goerr.Wrap(model.ErrNotFound, "note not found", goerr.V("note_id", link.NoteID))
	}
	cp := *link
	r.links[link.ID] = &cp
	return nil
}

func (r *Memory) ListLinks(ctx context.Context, noteID model.NoteID) ([]*model.Link, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*model.Link
	for _, l := range r.links {
		if l.NoteID == noteID {
			cp := *l
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out, nil
}

func (r *Memory) GetDigest(ctx context.Context, dateKey string) (*model.DailyDigest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.digests[dateKey]
	if !ok {
		return nil, goerr.Wrap(model.ErrNotFound, "digest not found", goerr.V("date", dateKey))
	}
	return copyDigest(d), nil
}

func (r *Memory) CreateDigest(ctx context.Context, digest *model.DailyDigest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.digests[digest.DateKey]; ok {
		return goerr.Wrap(model.ErrDigestExists, "digest already stored", goerr.V("date", digest.DateKey))
	}
	r.digests[digest.DateKey] = copyDigest(digest)
	return nil
}

func (r *Memory) ReplaceDigest(ctx context.Context, digest *model.DailyDigest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.digests[digest.DateKey] = copyDigest(digest)
	return nil
}

func (r *Memory) ListDigests(ctx context.Context, limit int) ([]*model.DailyDigest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*model.DailyDigest, 0, len(r.digests))
	for _, d := range r.digests {
		out = append(out, copyDigest(d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DateKey > out[j].DateKey })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *Memory) GetQuotaState(ctx context.Context) (*model.QuotaState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.quota == nil {
		return nil, nil
	}
	return r.quota.Clone(), nil
}

func (r *Memory) PutQuotaState(ctx context.Context, state *model.QuotaState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.quota = state.Clone()
	return nil
}

func (r *Memory) Close() error {
	return nil
}
