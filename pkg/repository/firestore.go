package repository

import (
	"context"
	"sort"
	"strings"

	"cloud.google.com/go/firestore"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/jotter/pkg/model"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	collectionNotes       = "notes"
	collectionTags        = "tags"
	collectionNoteTags    = "note_tags"
	collectionProjects    = "projects"
	collectionDecisions   = "decisions"
	collectionActions     = "actions"
	collectionCommitments = "commitments"
	collectionUnresolved  = "unresolved"
	collectionPeople      = "people"
	collectionMentions    = "person_mentions"
	collectionLinks       = "links"
	collectionDigests     = "digests"
	collectionQuota       = "quota"

	quotaStateDoc = "state"
)

// Firestore is a Repository on Cloud Firestore
type Firestore struct {
	client *firestore.Client
}

// NewFirestore creates a Firestore repository for the given project and database
func NewFirestore(ctx context.Context, projectID, databaseID string) (*Firestore, error) {
	client, err := firestore.NewClientWithDatabase(ctx, projectID, databaseID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create firestore client",
			goerr.V("project_id", projectID),
			goerr.V("database_id", databaseID))
	}
	return &Firestore{client: client}, nil
}

func isNotFound(err error) bool {
	return status.Code(err) == codes.NotFound
}

// docKey makes a value safe to use as a document ID
func docKey(s string) string {
	return strings.ReplaceAll(s, "/", "_")
}

func joinKey(a, b string) string {
	return docKey(a) + "__" + docKey(b)
}

func (r *Firestore) PutNote(ctx context.Context, note *model.Note) error {
	if _, err := r.client.Collection(collectionNotes).Doc(string(note.ID)).Set(ctx, note); err != nil {
		return goerr.Wrap(err, "failed to put note", goerr.V("note_id", note.ID))
	}
	return nil
}

func (r *Firestore) GetNote(ctx context.Context, id model.NoteID) (*model.Note, error) {
	doc, err := r.client.Collection(collectionNotes).Doc(string(id)).Get(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, goerr.Wrap(model.ErrNotFound, "note not found", goerr.V("note_id", id))
		}
		return nil, goerr.Wrap(err, "failed to get note", goerr.V("note_id", id))
	}

	var note model.Note
	if err := doc.DataTo(&note); err != nil {
		return nil, goerr.Wrap(err, "failed to decode note", goerr.V("note_id", id))
	}
	return &note, nil
}

func (r *Firestore) ListNotes(ctx context.Context, input ListNotesInput) ([]*model.Note, error) {
	q := r.client.Collection(collectionNotes).OrderBy("CreatedAt", firestore.Desc)
	if !input.Since.IsZero() {
		q = q.Where("CreatedAt", ">=", input.Since)
	}
	if !input.Until.IsZero() {
		q = q.Where("CreatedAt", "<", input.Until)
	}
	if input.Limit > 0 {
		q = q.Limit(input.Limit)
	}
	return decodeAll[model.Note](q.Documents(ctx), "note")
}

func decodeAll[T any](iter *firestore.DocumentIterator, what string) ([]*T, error) {
	defer iter.Stop()

	var out []*T
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, goerr.Wrap(err, "failed to iterate "+what)
		}

		var v T
		if err := doc.DataTo(&v); err != nil {
			return nil, goerr.Wrap(err, "failed to decode "+what, goerr.V("doc_id", doc.Ref.ID))
		}
		out = append(out, &v)
	}
	return out, nil
}

func (r *Firestore) byNote(collection string, noteID model.NoteID) firestore.Query {
	q := r.client.Collection(collection).Query
	if noteID != "" {
		q = q.Where("NoteID", "==", string(noteID))
	}
	return q
}

func (r *Firestore) DeleteNote(ctx context.Context, id model.NoteID) error {
	noteRef := r.client.Collection(collectionNotes).Doc(string(id))
	children := []string{collectionDecisions, collectionActions, collectionCommitments, collectionUnresolved, collectionNoteTags, collectionLinks}

	return r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		if _, err := tx.Get(noteRef); err != nil {
			if isNotFound(err) {
				return goerr.Wrap(model.ErrNotFound, "note not found", goerr.V("note_id", id))
			}
			return goerr.Wrap(err, "failed to get note", goerr.V("note_id", id))
		}

		var refs []*firestore.DocumentRef
		for _, c := range children {
			docs, err := tx.Documents(r.byNote(c, id)).GetAll()
			if err != nil {
				return goerr.Wrap(err, "failed to list children", goerr.V("collection", c))
			}
			for _, doc := range docs {
				refs = append(refs, doc.Ref)
			}
		}

		for _, ref := range refs {
			if err := tx.Delete(ref); err != nil {
				return goerr.Wrap(err, "failed to delete child", goerr.V("doc_id", ref.ID))
			}
		}
		if err := tx.Delete(noteRef); err != nil {
			return goerr.Wrap(err, "failed to delete note", goerr.V("note_id", id))
		}
		return nil
	})
}

func (r *Firestore) ApplyExtraction(ctx context.Context, batch *model.ExtractionBatch) error {
	noteID := batch.Note.ID
	noteRef := r.client.Collection(collectionNotes).Doc(string(noteID))
	mentions := uniqueMentions(batch.PeopleNames)

	var written *model.Note
	err := r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		// Firestore requires every read of a transaction to happen before its writes
		noteDoc, err := tx.Get(noteRef)
		if err != nil {
			if isNotFound(err) {
				return goerr.Wrap(model.ErrNotFound, "note disappeared before extraction was stored", goerr.V("note_id", noteID))
			}
			return goerr.Wrap(err, "failed to get note", goerr.V("note_id", noteID))
		}
		var stored model.Note
		if err := noteDoc.DataTo(&stored); err != nil {
			return goerr.Wrap(err, "failed to decode note", goerr.V("note_id", noteID))
		}
		merged, touch := mergeExtraction(&stored, batch)

		tagDocs, err := tx.Documents(r.client.Collection(collectionTags)).GetAll()
		if err != nil {
			return goerr.Wrap(err, "failed to list tags")
		}
		existing := make([]*model.Tag, 0, len(tagDocs))
		for _, doc := range tagDocs {
			var t model.Tag
			if err := doc.DataTo(&t); err != nil {
				return goerr.Wrap(err, "failed to decode tag", goerr.V("doc_id", doc.Ref.ID))
			}
			existing = append(existing, &t)
		}

		var stale []*firestore.DocumentRef
		for _, c := range []string{collectionDecisions, collectionActions, collectionCommitments, collectionUnresolved} {
			docs, err := tx.Documents(r.byNote(c, noteID)).GetAll()
			if err != nil {
				return goerr.Wrap(err, "failed to list extracted entities", goerr.V("collection", c))
			}
			for _, doc := range docs {
				stale = append(stale, doc.Ref)
			}
		}

		people := make([]*model.Person, len(mentions))
		mentioned := make([]bool, len(mentions))
		for i, m := range mentions {
			doc, err := tx.Get(r.client.Collection(collectionPeople).Doc(docKey(m.NormalizedName)))
			switch {
			case isNotFound(err):
				people[i] = &model.Person{
					ID:             model.NewPersonID(),
					Name:           m.Name,
					NormalizedName: m.NormalizedName,
					FirstSeenAt:    batch.ProcessedAt,
				}
			case err != nil:
				return goerr.Wrap(err, "failed to get person", goerr.V("name", m.Name))
			default:
				var p model.Person
				if err := doc.DataTo(&p); err != nil {
					return goerr.Wrap(err, "failed to decode person", goerr.V("name", m.Name))
				}
				people[i] = &p
			}

			_, err = tx.Get(r.client.Collection(collectionMentions).Doc(joinKey(string(people[i].ID), string(noteID))))
			switch {
			case isNotFound(err):
			case err != nil:
				return goerr.Wrap(err, "failed to get mention", goerr.V("name", m.Name))
			default:
				mentioned[i] = true
			}
		}

		var project *model.Project
		if touch != "" {
			doc, err := tx.Get(r.client.Collection(collectionProjects).Doc(string(touch)))
			if err != nil && !isNotFound(err) {
				return goerr.Wrap(err, "failed to get project", goerr.V("project_id", touch))
			}
			if err == nil {
				project = &model.Project{}
				if err := doc.DataTo(project); err != nil {
					return goerr.Wrap(err, "failed to decode project", goerr.V("project_id", touch))
				}
			}
		}

		stampEntities(batch)
		if err := tx.Set(noteRef, merged); err != nil {
			return goerr.Wrap(err, "failed to write note", goerr.V("note_id", noteID))
		}

		linked, created := resolveTags(existing, batch.TagNames, batch.ProcessedAt)
		for _, t := range created {
			if err := tx.Set(r.client.Collection(collectionTags).Doc(docKey(model.TagKey(t.Name))), t); err != nil {
				return goerr.Wrap(err, "failed to write tag", goerr.V("tag", t.Name))
			}
		}
		for _, t := range linked {
			link := model.NoteTag{NoteID: noteID, TagID: t.ID}
			if err := tx.Set(r.client.Collection(collectionNoteTags).Doc(joinKey(string(noteID), string(t.ID))), link); err != nil {
				return goerr.Wrap(err, "failed to link tag", goerr.V("tag", t.Name))
			}
		}

		for _, ref := range stale {
			if err := tx.Delete(ref); err != nil {
				return goerr.Wrap(err, "failed to delete stale entity", goerr.V("doc_id", ref.ID))
			}
		}
		for _, d := range batch.Decisions {
			if err := tx.Set(r.client.Collection(collectionDecisions).Doc(string(d.ID)), d); err != nil {
				return goerr.Wrap(err, "failed to write decision")
			}
		}
		for _, a := range batch.Actions {
			if err := tx.Set(r.client.Collection(collectionActions).Doc(string(a.ID)), a); err != nil {
				return goerr.Wrap(err, "failed to write action")
			}
		}
		for _, c := range batch.Commitments {
			if err := tx.Set(r.client.Collection(collectionCommitments).Doc(string(c.ID)), c); err != nil {
				return goerr.Wrap(err, "failed to write commitment")
			}
		}
		for _, u := range batch.Unresolved {
			if err := tx.Set(r.client.Collection(collectionUnresolved).Doc(string(u.ID)), u); err != nil {
				return goerr.Wrap(err, "failed to write unresolved item")
			}
		}

		for i, p := range people {
			if !mentioned[i] {
				p.MentionCount++
				ref := r.client.Collection(collectionMentions).Doc(joinKey(string(p.ID), string(noteID)))
				if err := tx.Set(ref, map[string]any{"PersonID": string(p.ID), "NoteID": string(noteID)}); err != nil {
					return goerr.Wrap(err, "failed to write mention", goerr.V("name", p.Name))
				}
			}
			p.LastSeenAt = batch.ProcessedAt
			if err := tx.Set(r.client.Collection(collectionPeople).Doc(docKey(p.NormalizedName)), p); err != nil {
				return goerr.Wrap(err, "failed to write person", goerr.V("name", p.Name))
			}
		}

		if project != nil {
			project.LastActiveAt = batch.ProcessedAt
			if err := tx.Set(r.client.Collection(collectionProjects).Doc(string(project.ID)), project); err != nil {
				return goerr.Wrap(err, "failed to touch project", goerr.V("project_id", project.ID))
			}
		}
		written = merged
		return nil
	})
	if err != nil {
		return err
	}
	batch.Note = written
	return nil
}

func (r *Firestore) ListTags(ctx context.Context) ([]*model.Tag, error) {
	tags, err := decodeAll[model.Tag](r.client.Collection(collectionTags).Documents(ctx), "tag")
	if err != nil {
		return nil, err
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i].Name < tags[j].Name })
	return tags, nil
}

func (r *Firestore) ListNoteTags(ctx context.Context, noteID model.NoteID) ([]*model.Tag, error) {
	links, err := decodeAll[model.NoteTag](r.byNote(collectionNoteTags, noteID).Documents(ctx), "note tag")
	if err != nil {
		return nil, err
	}
	if len(links) == 0 {
		return nil, nil
	}

	all, err := r.ListTags(ctx)
	if err != nil {
		return nil, err
	}
	want := make(map[model.TagID]bool, len(links))
	for _, l := range links {
		want[l.TagID] = true
	}
	var tags []*model.Tag
	for _, t := range all {
		if want[t.ID] {
			tags = append(tags, t)
		}
	}
	return tags, nil
}

func (r *Firestore) PutProject(ctx context.Context, project *model.Project) error {
	if _, err := r.client.Collection(collectionProjects).Doc(string(project.ID)).Set(ctx, project); err != nil {
		return goerr.Wrap(err, "failed to put project", goerr.V("project_id", project.ID))
	}
	return nil
}

func (r *Firestore) GetProject(ctx context.Context, id model.ProjectID) (*model.Project, error) {
	doc, err := r.client.Collection(collectionProjects).Doc(string(id)).Get(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, goerr.Wrap(model.ErrNotFound, "project not found", goerr.V("project_id", id))
		}
		return nil, goerr.Wrap(err, "failed to get project", goerr.V("project_id", id))
	}
	var p model.Project
	if err := doc.DataTo(&p); err != nil {
		return nil, goerr.Wrap(err, "failed to decode project", goerr.V("project_id", id))
	}
	return &p, nil
}

func (r *Firestore) ListProjects(ctx context.Context) ([]*model.Project, error) {
	q := r.client.Collection(collectionProjects).OrderBy("CreatedAt", firestore.Asc)
	return decodeAll[model.Project](q.Documents(ctx), "project")
}

func (r *Firestore) ListDecisions(ctx context.Context, noteID model.NoteID) ([]*model.Decision, error) {
	out, err := decodeAll[model.Decision](r.byNote(collectionDecisions, noteID).Documents(ctx), "decision")
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *Firestore) ListActions(ctx context.Context, noteID model.NoteID) ([]*model.Action, error) {
	out, err := decodeAll[model.Action](r.byNote(collectionActions, noteID).Documents(ctx), "action")
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *Firestore) ListCommitments(ctx context.Context, noteID model.NoteID) ([]*model.Commitment, error) {
	out, err := decodeAll[model.Commitment](r.byNote(collectionCommitments, noteID).Documents(ctx), "commitment")
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *Firestore) ListUnresolved(ctx context.Context, noteID model.NoteID) ([]*model.UnresolvedItem, error) {
	out, err := decodeAll[model.UnresolvedItem](r.byNote(collectionUnresolved, noteID).Documents(ctx), "unresolved item")
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// updateExisting writes v only when the document is already present
func (r *Firestore) updateExisting(ctx context.Context, collection, id string, v any) error {
	ref := r.client.Collection(collection).Doc(id)
	return r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		if _, err := tx.Get(ref); err != nil {
			if isNotFound(err) {
				return goerr.Wrap(model.ErrNotFound, "document not found", goerr.V("collection", collection), goerr.V("id", id))
			}
			return goerr.Wrap(err, "failed to get document", goerr.V("collection", collection), goerr.V("id", id))
		}
		return tx.Set(ref, v)
	})
}

func (r *Firestore) PutAction(ctx context.Context, action *model.Action) error {
	return r.updateExisting(ctx, collectionActions, string(action.ID), action)
}

func (r *Firestore) PutCommitment(ctx context.Context, commitment *model.Commitment) error {
	return r.updateExisting(ctx, collectionCommitments, string(commitment.ID), commitment)
}

func (r *Firestore) PutUnresolved(ctx context.Context, item *model.UnresolvedItem) error {
	return r.updateExisting(ctx, collectionUnresolved, string(item.ID), item)
}

func (r *Firestore) withOpenCommitments(ctx context.Context, people []*model.Person) ([]*model.Person, error) {
	if len(people) == 0 {
		return people, nil
	}
	commitments, err := r.ListCommitments(ctx, "")
	if err != nil {
		return nil, err
	}
	for _, p := range people {
		p.OpenCommitments = model.CountOpenCommitments(p.NormalizedName, commitments)
	}
	return people, nil
}

func (r *Firestore) ListPeople(ctx context.Context) ([]*model.Person, error) {
	people, err := decodeAll[model.Person](r.client.Collection(collectionPeople).Documents(ctx), "person")
	if err != nil {
		return nil, err
	}
	sort.Slice(people, func(i, j int) bool {
		if people[i].MentionCount == people[j].MentionCount {
			return people[i].NormalizedName < people[j].NormalizedName
		}
		return people[i].MentionCount > people[j].MentionCount
	})
	return r.withOpenCommitments(ctx, people)
}

func (r *Firestore) GetPersonByName(ctx context.Context, name string) (*model.Person, error) {
	doc, err := r.client.Collection(collectionPeople).Doc(docKey(model.NormalizeName(name))).Get(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, goerr.Wrap(model.ErrNotFound, "person not found", goerr.V("name", name))
		}
		return nil, goerr.Wrap(err, "failed to get person", goerr.V("name", name))
	}
	var p model.Person
	if err := doc.DataTo(&p); err != nil {
		return nil, goerr.Wrap(err, "failed to decode person", goerr.V("name", name))
	}
	people, err := r.withOpenCommitments(ctx, []*model.Person{&p})
	if err != nil {
		return nil, err
	}
	return people[0], nil
}

func (r *Firestore) PutLink(ctx context.Context, link *model.Link) error {
	noteRef := r.client.Collection(collectionNotes).Doc(string(link.NoteID))
	linkRef := r.client.Collection(collectionLinks).Doc(string(link.ID))
	return r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		if _, err := tx.Get(noteRef); err != nil {
			if isNotFound(err) {
				return goerr.Wrap(model.ErrNotFound, "note not found", goerr.V("note_id", link.NoteID))
			}
			return goerr.Wrap(err, "failed to get note", goerr.V("note_id", link.NoteID))
		}
		return tx.Set(linkRef, link)
	})
}

func (r *Firestore) ListLinks(ctx context.Context, noteID model.NoteID) ([]*model.Link, error) {
	links, err := decodeAll[model.Link](r.byNote(collectionLinks, noteID).Documents(ctx), "link")
	if err != nil {
		return nil, err
	}
	sort.Slice(links, func(i, j int) bool { return links[i].URL < links[j].URL })
	return links, nil
}

func (r *Firestore) GetDigest(ctx context.Context, dateKey string) (*model.DailyDigest, error) {
	doc, err := r.client.Collection(collectionDigests).Doc(dateKey).Get(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, goerr.Wrap(model.ErrNotFound, "digest not found", goerr.V("date", dateKey))
		}
		return nil, goerr.Wrap(err, "failed to get digest", goerr.V("date", dateKey))
	}
	var d model.DailyDigest
	if err := doc.DataTo(&d); err != nil {
		return nil, goerr.Wrap(err, "failed to decode digest", goerr.V("date", dateKey))
	}
	return &d, nil
}

func (r *Firestore) CreateDigest(ctx context.Context, digest *model.DailyDigest) error {
	if _, err := r.client.Collection(collectionDigests).Doc(digest.DateKey).Create(ctx, digest); err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return goerr.Wrap(model.ErrDigestExists, "digest already stored", goerr.V("date", digest.DateKey))
		}
		return goerr.Wrap(err, "failed to create digest", goerr.V("date", digest.DateKey))
	}
	return nil
}

func (r *Firestore) ReplaceDigest(ctx context.Context, digest *model.DailyDigest) error {
	if _, err := r.client.Collection(collectionDigests).Doc(digest.DateKey).Set(ctx, digest); err != nil {
		return goerr.Wrap(err, "failed to replace digest", goerr.V("date", digest.DateKey))
	}
	return nil
}

func (r *Firestore) ListDigests(ctx context.Context, limit int) ([]*model.DailyDigest, error) {
	q := r.client.Collection(collectionDigests).OrderBy("DateKey", firestore.Desc)
	if limit > 0 {
		q = q.Limit(limit)
	}
	return decodeAll[model.DailyDigest](q.Documents(ctx), "digest")
}

func (r *Firestore) GetQuotaState(ctx context.Context) (*model.QuotaState, error) {
	doc, err := r.client.Collection(collectionQuota).Doc(quotaStateDoc).Get(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, goerr.Wrap(err, "failed to get quota state")
	}
	var state model.QuotaState
	if err := doc.DataTo(&state); err != nil {
		return nil, goerr.Wrap(err, "failed to decode quota state")
	}
	return &state, nil
}

func (r *Firestore) PutQuotaState(ctx context.Context, state *model.QuotaState) error {
	if _, err := r.client.Collection(collectionQuota).Doc(quotaStateDoc).Set(ctx, state); err != nil {
		return goerr.Wrap(err, "failed to put quota state")
	}
	return nil
}

func (r *Firestore) Close() error {
	return r.client.Close()
}
