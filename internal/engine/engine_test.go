package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"atelier/internal/config"
	"atelier/internal/db"
	"atelier/internal/domain"
	"atelier/internal/engine"
	"atelier/internal/engine/auth"
	"atelier/internal/migrate"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("proj-1")
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if _, err := eng.InitProject(ctx, "proj-1", "test", "lead-1"); err != nil {
		t.Fatalf("init project: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func (env testEnv) addActivity(t *testing.T, name string, parentID *string) domain.Activity {
	t.Helper()
	a, err := env.Engine.CreateActivity(env.Ctx, engine.ActivityCreateOptions{
		ProjectID: "proj-1",
		Name:      name,
		ParentID:  parentID,
		ActorID:   "lead-1",
	})
	if err != nil {
		t.Fatalf("create activity %s: %v", name, err)
	}
	return a
}

func (env testEnv) addTask(t *testing.T, title string, assignees ...string) domain.Task {
	t.Helper()
	tk, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		ProjectID: "proj-1",
		Title:     title,
		Assignees: assignees,
		ActorID:   "lead-1",
	})
	if err != nil {
		t.Fatalf("create task %s: %v", title, err)
	}
	return tk
}

func (env testEnv) submissionCount(t *testing.T, taskID string) int {
	t.Helper()
	var n int
	if err := env.Engine.DB.QueryRow(`SELECT COUNT(*) FROM submissions WHERE task_id=?`, taskID).Scan(&n); err != nil {
		t.Fatalf("count submissions: %v", err)
	}
	return n
}

func TestActivityDepthLimit(t *testing.T) {
	env := newTestEnv(t)
	root := env.addActivity(t, "phase", nil)
	child := env.addActivity(t, "step", &root.ID)
	leaf := env.addActivity(t, "substep", &child.ID)
	if root.Depth != 0 || child.Depth != 1 || leaf.Depth != 2 {
		t.Fatalf("unexpected depths: %d %d %d", root.Depth, child.Depth, leaf.Depth)
	}
	_, err := env.Engine.CreateActivity(env.Ctx, engine.ActivityCreateOptions{
		ProjectID: "proj-1",
		Name:      "too deep",
		ParentID:  &leaf.ID,
		ActorID:   "lead-1",
	})
	var ve engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error for depth 3, got %v", err)
	}
}

func TestReorderMovesDraggedToTargetPosition(t *testing.T) {
	env := newTestEnv(t)
	a := env.addActivity(t, "A", nil)
	b := env.addActivity(t, "B", nil)
	c := env.addActivity(t, "C", nil)
	if a.OrderIndex != 0 || b.OrderIndex != 1 || c.OrderIndex != 2 {
		t.Fatalf("unexpected initial order: %d %d %d", a.OrderIndex, b.OrderIndex, c.OrderIndex)
	}

	// Backward drag: C onto A -> [C, A, B].
	siblings, err := env.Engine.ReorderActivities(env.Ctx, engine.ReorderOptions{
		ProjectID: "proj-1", DraggedID: c.ID, TargetID: a.ID, ActorID: "lead-1",
	})
	if err != nil {
		t.Fatalf("reorder: %v", err)
	}
	assertOrder(t, siblings, []string{"C", "A", "B"})
}

func TestReorderForwardDrag(t *testing.T) {
	env := newTestEnv(t)
	env.addActivity(t, "A", nil)
	env.addActivity(t, "B", nil)
	c := env.addActivity(t, "C", nil)
	env.addActivity(t, "D", nil)

	// Forward drag: A onto C -> [B, C, A, D].
	var draggedID string
	items, err := env.Engine.Repo.ListSiblings(env.Ctx, "proj-1", nil)
	if err != nil {
		t.Fatalf("list siblings: %v", err)
	}
	for _, s := range items {
		if s.Name == "A" {
			draggedID = s.ID
		}
	}
	siblings, err := env.Engine.ReorderActivities(env.Ctx, engine.ReorderOptions{
		ProjectID: "proj-1", DraggedID: draggedID, TargetID: c.ID, ActorID: "lead-1",
	})
	if err != nil {
		t.Fatalf("reorder: %v", err)
	}
	assertOrder(t, siblings, []string{"B", "C", "A", "D"})
}

func TestReorderOntoItselfIsNoOp(t *testing.T) {
	env := newTestEnv(t)
	env.addActivity(t, "A", nil)
	b := env.addActivity(t, "B", nil)
	siblings, err := env.Engine.ReorderActivities(env.Ctx, engine.ReorderOptions{
		ProjectID: "proj-1", DraggedID: b.ID, TargetID: b.ID, ActorID: "lead-1",
	})
	if err != nil {
		t.Fatalf("reorder: %v", err)
	}
	assertOrder(t, siblings, []string{"A", "B"})
}

func TestReorderCrossParentIsIgnored(t *testing.T) {
	env := newTestEnv(t)
	rootA := env.addActivity(t, "rootA", nil)
	rootB := env.addActivity(t, "rootB", nil)
	childA := env.addActivity(t, "childA", &rootA.ID)
	childB := env.addActivity(t, "childB", &rootB.ID)

	siblings, err := env.Engine.ReorderActivities(env.Ctx, engine.ReorderOptions{
		ProjectID: "proj-1", DraggedID: childA.ID, TargetID: childB.ID, ActorID: "lead-1",
	})
	if err != nil {
		t.Fatalf("cross-parent reorder should not error: %v", err)
	}
	// The dragged node's sibling set comes back untouched.
	if len(siblings) != 1 || siblings[0].ID != childA.ID || siblings[0].OrderIndex != 0 {
		t.Fatalf("expected unchanged sibling set, got %+v", siblings)
	}
	got, err := env.Engine.Repo.GetActivity(env.Ctx, childA.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ParentID == nil || *got.ParentID != rootA.ID {
		t.Fatalf("dragged node changed parent")
	}
	var n int
	if err := env.Engine.DB.QueryRow(`SELECT COUNT(*) FROM events WHERE type='activity.reordered'`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("cross-parent reorder must not log a reorder event, got %d", n)
	}
}

func TestReorderKeepsSiblingOrderDense(t *testing.T) {
	env := newTestEnv(t)
	env.addActivity(t, "A", nil)
	b := env.addActivity(t, "B", nil)
	c := env.addActivity(t, "C", nil)
	d := env.addActivity(t, "D", nil)
	if err := env.Engine.DeleteActivity(env.Ctx, b.ID, "lead-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	// A gap exists now (0, 2, 3); any reorder rewrites the set as 0..N-1.
	siblings, err := env.Engine.ReorderActivities(env.Ctx, engine.ReorderOptions{
		ProjectID: "proj-1", DraggedID: d.ID, TargetID: c.ID, ActorID: "lead-1",
	})
	if err != nil {
		t.Fatalf("reorder: %v", err)
	}
	assertOrder(t, siblings, []string{"A", "D", "C"})
}

func TestLifecycleHappyPath(t *testing.T) {
	env := newTestEnv(t)
	tk := env.addTask(t, "build feature", "worker-1")
	if tk.Status != "todo" {
		t.Fatalf("new task status: %s", tk.Status)
	}

	tk, err := env.Engine.StartTask(env.Ctx, engine.StartOptions{TaskID: tk.ID, ActorID: "worker-1"})
	if err != nil || tk.Status != "in_progress" {
		t.Fatalf("start: %v status=%s", err, tk.Status)
	}
	if n := env.submissionCount(t, tk.ID); n != 0 {
		t.Fatalf("start must not write a ledger entry, got %d", n)
	}

	tk, sub, err := env.Engine.SubmitTask(env.Ctx, engine.SubmitOptions{TaskID: tk.ID, ActorID: "worker-1"})
	if err != nil || tk.Status != "in_review" {
		t.Fatalf("submit: %v status=%s", err, tk.Status)
	}
	if sub.Type != "submission" {
		t.Fatalf("entry type: %s", sub.Type)
	}

	tk, rej, err := env.Engine.RejectTask(env.Ctx, engine.RejectOptions{TaskID: tk.ID, ActorID: "lead-1", Comment: "missing tests"})
	if err != nil || tk.Status != "correction" {
		t.Fatalf("reject: %v status=%s", err, tk.Status)
	}
	if rej.Comment == nil || *rej.Comment != "missing tests" {
		t.Fatalf("rejection comment not recorded")
	}

	tk, _, err = env.Engine.SubmitTask(env.Ctx, engine.SubmitOptions{TaskID: tk.ID, ActorID: "worker-1"})
	if err != nil || tk.Status != "in_review" {
		t.Fatalf("resubmit: %v status=%s", err, tk.Status)
	}

	tk, val, err := env.Engine.ValidateTask(env.Ctx, engine.ValidateOptions{TaskID: tk.ID, ActorID: "lead-1", Rating: 3})
	if err != nil || tk.Status != "completed" {
		t.Fatalf("validate: %v status=%s", err, tk.Status)
	}
	if tk.CompletedAt == nil {
		t.Fatalf("completed_at not stamped")
	}
	if val.Rating == nil || *val.Rating != 3 {
		t.Fatalf("rating not recorded")
	}
	if domain.RatingLabels[*val.Rating] != "Satisfaisant" {
		t.Fatalf("unexpected label for rating 3")
	}

	ledger, err := env.Engine.ListSubmissions(env.Ctx, tk.ID)
	if err != nil {
		t.Fatal(err)
	}
	types := make([]string, 0, len(ledger))
	for _, s := range ledger {
		types = append(types, s.Type)
	}
	want := []string{"submission", "rejection", "submission", "validation"}
	if len(types) != len(want) {
		t.Fatalf("ledger length %d, want %d", len(types), len(want))
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("ledger order %v, want %v", types, want)
		}
	}
}

func TestIllegalTransitionsAreRefused(t *testing.T) {
	env := newTestEnv(t)
	tk := env.addTask(t, "task", "worker-1")

	cases := []struct {
		name string
		do   func() error
	}{
		{"submit from todo", func() error {
			_, _, err := env.Engine.SubmitTask(env.Ctx, engine.SubmitOptions{TaskID: tk.ID, ActorID: "worker-1"})
			return err
		}},
		{"validate from todo", func() error {
			_, _, err := env.Engine.ValidateTask(env.Ctx, engine.ValidateOptions{TaskID: tk.ID, ActorID: "lead-1", Rating: 4})
			return err
		}},
		{"reject from todo", func() error {
			_, _, err := env.Engine.RejectTask(env.Ctx, engine.RejectOptions{TaskID: tk.ID, ActorID: "lead-1", Comment: "nope"})
			return err
		}},
	}
	for _, tc := range cases {
		var ve engine.ValidationError
		if err := tc.do(); !errors.As(err, &ve) {
			t.Fatalf("%s: expected validation error, got %v", tc.name, err)
		}
	}
	// Refused transitions must leave no trace in the ledger.
	if n := env.submissionCount(t, tk.ID); n != 0 {
		t.Fatalf("refused transitions wrote %d ledger entries", n)
	}
	got, err := env.Engine.Repo.GetTask(env.Ctx, tk.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != "todo" {
		t.Fatalf("status moved to %s", got.Status)
	}
}

func TestStartRequiresAssignee(t *testing.T) {
	env := newTestEnv(t)
	tk := env.addTask(t, "task", "worker-1")
	_, err := env.Engine.StartTask(env.Ctx, engine.StartOptions{TaskID: tk.ID, ActorID: "someone-else"})
	var fe auth.ForbiddenError
	if !errors.As(err, &fe) {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

func TestValidateRequiresLeadAndRating(t *testing.T) {
	env := newTestEnv(t)
	tk := env.addTask(t, "task", "worker-1")
	tk, _ = env.Engine.StartTask(env.Ctx, engine.StartOptions{TaskID: tk.ID, ActorID: "worker-1"})
	tk, _, err := env.Engine.SubmitTask(env.Ctx, engine.SubmitOptions{TaskID: tk.ID, ActorID: "worker-1"})
	if err != nil {
		t.Fatal(err)
	}

	for _, rating := range []int{0, 5, -1} {
		_, _, err := env.Engine.ValidateTask(env.Ctx, engine.ValidateOptions{TaskID: tk.ID, ActorID: "lead-1", Rating: rating})
		var ve engine.ValidationError
		if !errors.As(err, &ve) {
			t.Fatalf("rating %d: expected validation error, got %v", rating, err)
		}
	}

	_, _, err = env.Engine.ValidateTask(env.Ctx, engine.ValidateOptions{TaskID: tk.ID, ActorID: "worker-1", Rating: 4})
	var fe auth.ForbiddenError
	if !errors.As(err, &fe) {
		t.Fatalf("assignee validating own work: expected forbidden, got %v", err)
	}

	// Only the original submission is in the ledger.
	if n := env.submissionCount(t, tk.ID); n != 1 {
		t.Fatalf("expected 1 ledger entry, got %d", n)
	}
}

func TestRejectRequiresComment(t *testing.T) {
	env := newTestEnv(t)
	tk := env.addTask(t, "task", "worker-1")
	tk, _ = env.Engine.StartTask(env.Ctx, engine.StartOptions{TaskID: tk.ID, ActorID: "worker-1"})
	tk, _, err := env.Engine.SubmitTask(env.Ctx, engine.SubmitOptions{TaskID: tk.ID, ActorID: "worker-1"})
	if err != nil {
		t.Fatal(err)
	}
	for _, comment := range []string{"", "   ", "\t\n"} {
		_, _, err := env.Engine.RejectTask(env.Ctx, engine.RejectOptions{TaskID: tk.ID, ActorID: "lead-1", Comment: comment})
		var ve engine.ValidationError
		if !errors.As(err, &ve) {
			t.Fatalf("comment %q: expected validation error, got %v", comment, err)
		}
	}
	got, err := env.Engine.Repo.GetTask(env.Ctx, tk.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != "in_review" {
		t.Fatalf("status moved to %s on refused reject", got.Status)
	}
}

func TestClientTokenReplay(t *testing.T) {
	env := newTestEnv(t)
	tk := env.addTask(t, "task", "worker-1")
	tk, _ = env.Engine.StartTask(env.Ctx, engine.StartOptions{TaskID: tk.ID, ActorID: "worker-1"})

	first, sub1, err := env.Engine.SubmitTask(env.Ctx, engine.SubmitOptions{TaskID: tk.ID, ActorID: "worker-1", ClientToken: "tok-1"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	// Same token again: no new entry, no transition attempt.
	second, sub2, err := env.Engine.SubmitTask(env.Ctx, engine.SubmitOptions{TaskID: tk.ID, ActorID: "worker-1", ClientToken: "tok-1"})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if sub2.ID != sub1.ID {
		t.Fatalf("replay returned a different entry: %s vs %s", sub2.ID, sub1.ID)
	}
	if second.Status != first.Status {
		t.Fatalf("replay changed status: %s vs %s", second.Status, first.Status)
	}
	if n := env.submissionCount(t, tk.ID); n != 1 {
		t.Fatalf("expected 1 ledger entry after replay, got %d", n)
	}
}

func TestClientTokenReplayChecksActor(t *testing.T) {
	env := newTestEnv(t)
	tk := env.addTask(t, "task", "worker-1")
	tk, _ = env.Engine.StartTask(env.Ctx, engine.StartOptions{TaskID: tk.ID, ActorID: "worker-1"})
	if _, _, err := env.Engine.SubmitTask(env.Ctx, engine.SubmitOptions{TaskID: tk.ID, ActorID: "worker-1", ClientToken: "tok-1"}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	// A known token in the wrong hands must not hand back the recorded
	// entry: the actor check runs before the replay lookup.
	_, _, err := env.Engine.SubmitTask(env.Ctx, engine.SubmitOptions{TaskID: tk.ID, ActorID: "intruder-1", ClientToken: "tok-1"})
	var fe auth.ForbiddenError
	if !errors.As(err, &fe) {
		t.Fatalf("expected forbidden for non-assignee replay, got %v", err)
	}
	_, _, err = env.Engine.ValidateTask(env.Ctx, engine.ValidateOptions{TaskID: tk.ID, ActorID: "worker-1", Rating: 3, ClientToken: "tok-1"})
	if !errors.As(err, &fe) {
		t.Fatalf("expected forbidden for non-lead replay, got %v", err)
	}
	if n := env.submissionCount(t, tk.ID); n != 1 {
		t.Fatalf("refused replays wrote entries: %d", n)
	}
}

func TestSubmitAttachmentsAppearInFileList(t *testing.T) {
	env := newTestEnv(t)
	tk := env.addTask(t, "task", "worker-1")
	tk, _ = env.Engine.StartTask(env.Ctx, engine.StartOptions{TaskID: tk.ID, ActorID: "worker-1"})

	_, sub, err := env.Engine.SubmitTask(env.Ctx, engine.SubmitOptions{
		TaskID:  tk.ID,
		ActorID: "worker-1",
		Attachments: []domain.Attachment{
			{Name: "report.pdf", Path: "tasks/" + tk.ID + "/report.pdf", Size: 2048, MimeType: "application/pdf"},
			{Name: "screen.png", Path: "tasks/" + tk.ID + "/screen.png", Size: 512, MimeType: "image/png"},
		},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	comment := "wrong figures in the report"
	if _, _, err := env.Engine.RejectTask(env.Ctx, engine.RejectOptions{
		TaskID:  tk.ID,
		ActorID: "lead-1",
		Comment: comment,
		Attachments: []domain.Attachment{
			{Name: "annotated.pdf", Path: "tasks/" + tk.ID + "/annotated.pdf", Size: 4096, MimeType: "application/pdf"},
		},
	}); err != nil {
		t.Fatalf("reject: %v", err)
	}

	files, err := env.Engine.TaskFiles(env.Ctx, tk.ID)
	if err != nil {
		t.Fatalf("task files: %v", err)
	}
	if len(files) != 3 {
		t.Fatalf("expected 3 files, got %d: %+v", len(files), files)
	}
	first := files[0]
	if first.Name != "report.pdf" || first.Size != 2048 || first.MimeType != "application/pdf" {
		t.Fatalf("attachment lost in round trip: %+v", first)
	}
	if first.SubmissionID != sub.ID || first.EntryType != "submission" || first.ActorID != "worker-1" {
		t.Fatalf("file not annotated with its ledger entry: %+v", first)
	}
	if first.SubmittedAt != "2024-01-01T00:00:00Z" {
		t.Fatalf("submitted_at: %s", first.SubmittedAt)
	}
	last := files[2]
	if last.Name != "annotated.pdf" || last.EntryType != "rejection" || last.ActorID != "lead-1" {
		t.Fatalf("rejection attachment: %+v", last)
	}
}

func TestVersionConflict(t *testing.T) {
	env := newTestEnv(t)
	tk := env.addTask(t, "task", "worker-1")
	if tk.Version != 1 {
		t.Fatalf("new task version: %d", tk.Version)
	}
	title := "renamed"
	tk, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: tk.ID, Title: &title, ActorID: "lead-1"})
	if err != nil {
		t.Fatal(err)
	}
	if tk.Version != 2 {
		t.Fatalf("version not bumped: %d", tk.Version)
	}
	stale := int64(1)
	title2 := "again"
	_, err = env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: tk.ID, Title: &title2, ActorID: "lead-1", ExpectedVersion: &stale})
	var ce engine.ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("expected conflict, got %v", err)
	}
	_, err = env.Engine.StartTask(env.Ctx, engine.StartOptions{TaskID: tk.ID, ActorID: "worker-1", ExpectedVersion: &stale})
	if !errors.As(err, &ce) {
		t.Fatalf("lifecycle with stale version: expected conflict, got %v", err)
	}
}

func TestStatusIsNotEditable(t *testing.T) {
	env := newTestEnv(t)
	tk := env.addTask(t, "task", "worker-1")
	// The update surface has no status field; a full field update leaves
	// status untouched.
	desc := "notes"
	got, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{
		ID: tk.ID, ActorID: "lead-1", Description: &desc, DescriptionSet: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != "todo" {
		t.Fatalf("status changed by field update: %s", got.Status)
	}
}

func TestCancelIsLeadOnlyAndTerminal(t *testing.T) {
	env := newTestEnv(t)
	tk := env.addTask(t, "task", "worker-1")

	_, err := env.Engine.CancelTask(env.Ctx, engine.CancelOptions{TaskID: tk.ID, ActorID: "worker-1"})
	var fe auth.ForbiddenError
	if !errors.As(err, &fe) {
		t.Fatalf("expected forbidden for non-lead cancel, got %v", err)
	}

	tk, err = env.Engine.CancelTask(env.Ctx, engine.CancelOptions{TaskID: tk.ID, ActorID: "lead-1"})
	if err != nil || tk.Status != "cancelled" {
		t.Fatalf("cancel: %v status=%s", err, tk.Status)
	}
	if n := env.submissionCount(t, tk.ID); n != 0 {
		t.Fatalf("cancel wrote %d ledger entries", n)
	}

	_, err = env.Engine.CancelTask(env.Ctx, engine.CancelOptions{TaskID: tk.ID, ActorID: "lead-1"})
	var ve engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("cancelling a cancelled task: expected validation error, got %v", err)
	}
}

func TestUnlinkedTaskSurvivesActivityDelete(t *testing.T) {
	env := newTestEnv(t)
	act := env.addActivity(t, "phase", nil)
	tk, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		ProjectID:  "proj-1",
		Title:      "linked",
		ActivityID: &act.ID,
		ActorID:    "lead-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.DeleteActivity(env.Ctx, act.ID, "lead-1"); err != nil {
		t.Fatal(err)
	}
	got, err := env.Engine.Repo.GetTask(env.Ctx, tk.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ActivityID != nil {
		t.Fatalf("task still linked to deleted activity")
	}
}

func assertOrder(t *testing.T, items []domain.Activity, want []string) {
	t.Helper()
	if len(items) != len(want) {
		t.Fatalf("sibling count %d, want %d", len(items), len(want))
	}
	for i, a := range items {
		if a.Name != want[i] {
			got := make([]string, 0, len(items))
			for _, s := range items {
				got = append(got, s.Name)
			}
			t.Fatalf("order %v, want %v", got, want)
		}
		if a.OrderIndex != i {
			t.Fatalf("order_index for %s is %d, want %d", a.Name, a.OrderIndex, i)
		}
	}
}
