package app

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"teamdesk/internal/fanout"
	"teamdesk/internal/session"
	"teamdesk/internal/store"
)

func TestTeamTaskLifecycleKeepsCountersInStep(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	seedUser(t, st, "mgr", "manager")
	seedUser(t, st, "U1", "team_leader")
	seedUser(t, st, "U2", "team_member")
	seedUser(t, st, "U3", "team_member")

	teamID := mustCreateTeam(t, svc, "Alpha", "U1", "U2", "U3")
	team, err := st.GetTeam(ctx, teamID)
	if err != nil {
		t.Fatalf("get team: %v", err)
	}
	forum, err := st.ForumByTeam(ctx, teamID)
	if err != nil {
		t.Fatalf("team forum missing: %v", err)
	}
	if !forum.Active || forum.TeamID != teamID {
		t.Fatalf("unexpected forum %+v", forum)
	}
	if team.ForumID != forum.ID {
		t.Fatalf("team forum id = %q, want %q", team.ForumID, forum.ID)
	}

	taskID := mustCreateTask(t, svc, teamID, "Ship it")
	for _, id := range []string{"U1", "U2", "U3"} {
		if got := counters(t, st, id); got != (store.StatusCounts{Ongoing: 1}) {
			t.Fatalf("%s counters after create = %+v", id, got)
		}
	}

	view, err := svc.CompleteTask(ctx, taskID)
	if err != nil {
		t.Fatalf("complete task: %v", err)
	}
	if view["status"] != store.TaskCompleted {
		t.Fatalf("status = %v", view["status"])
	}
	for _, id := range []string{"U1", "U2", "U3"} {
		if got := counters(t, st, id); got != (store.StatusCounts{Completed: 1}) {
			t.Fatalf("%s counters after complete = %+v", id, got)
		}
	}

	_, err = svc.CompleteTask(ctx, taskID)
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("second complete err = %v, want invalid state", err)
	}
	if got := counters(t, st, "U2"); got != (store.StatusCounts{Completed: 1}) {
		t.Fatalf("counters moved on rejected completion: %+v", got)
	}

	if _, err := svc.DisbandTeam(ctx, teamID); err != nil {
		t.Fatalf("disband: %v", err)
	}
	again, err := svc.DisbandTeam(ctx, teamID)
	if err != nil {
		t.Fatalf("second disband: %v", err)
	}
	if again["status"] != "Disbanded" {
		t.Fatalf("status after disband = %v", again["status"])
	}
	forum, err = st.ForumByTeam(ctx, teamID)
	if err != nil {
		t.Fatalf("forum after disband: %v", err)
	}
	if forum.Active {
		t.Fatal("forum still active after disband")
	}
	if got := counters(t, st, "U3"); got != (store.StatusCounts{Completed: 1}) {
		t.Fatalf("disband changed counters: %+v", got)
	}
}

func TestCreateTeamValidation(t *testing.T) {
	svc, st := newTestService(t)
	seedUser(t, st, "U1", "team_leader")
	seedUser(t, st, "U2", "team_member")

	tests := []struct {
		name  string
		input CreateTeamInput
		code  string
	}{
		{"missing name", CreateTeamInput{LeaderID: "U1"}, "MISSING_NAME"},
		{"missing leader", CreateTeamInput{Name: "A"}, "MISSING_LEADER"},
		{"blank member", CreateTeamInput{Name: "A", LeaderID: "U1", MemberIDs: []string{" "}}, "INVALID_MEMBER"},
		{"unknown leader", CreateTeamInput{Name: "A", LeaderID: "ghost"}, "UNKNOWN_LEADER"},
		{"unknown member", CreateTeamInput{Name: "A", LeaderID: "U1", MemberIDs: []string{"U2", "ghost"}}, "UNKNOWN_MEMBER"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.CreateTeam(context.Background(), tc.input)
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("err = %v, want validation", err)
			}
			var de *DomainError
			if !errors.As(err, &de) || de.Code != tc.code {
				t.Fatalf("code = %v, want %s", err, tc.code)
			}
		})
	}

	teams, err := st.ListTeams(context.Background(), true)
	if err != nil {
		t.Fatalf("list teams: %v", err)
	}
	if len(teams) != 0 {
		t.Fatalf("rejected input left %d teams behind", len(teams))
	}
}

func TestCreateTeamTruncatesCreationDateAndDropsDuplicateMembers(t *testing.T) {
	fs := &faultStore{Store: openTestStore(t)}
	now := time.Date(2026, 3, 14, 15, 9, 26, 0, time.Local)
	svc := newServiceWith(t, Deps{Store: fs, Now: func() time.Time { return now }})
	seedUser(t, fs, "U1", "team_leader")
	seedUser(t, fs, "U2", "team_member")

	teamID := mustCreateTeam(t, svc, "Beta", "U1", "U2", "U2", "U1")
	team, err := fs.GetTeam(context.Background(), teamID)
	if err != nil {
		t.Fatalf("get team: %v", err)
	}
	want := time.Date(2026, 3, 14, 0, 0, 0, 0, time.Local)
	if !team.CreatedAt.Equal(want) {
		t.Fatalf("created at = %v, want %v", team.CreatedAt, want)
	}
	if len(team.MemberIDs) != 1 || team.MemberIDs[0] != "U2" {
		t.Fatalf("members = %v, want [U2]", team.MemberIDs)
	}
}

func TestDisbandUnknownTeamIsNotFound(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.DisbandTeam(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want not found", err)
	}
}

func TestCreateTaskRejectsMissingOrDisbandedTeam(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	seedUser(t, st, "U1", "team_leader")

	_, err := svc.CreateTask(ctx, CreateTaskInput{Name: "x", Priority: "low", DueDate: "2026-01-01", TeamID: "nope"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown team err = %v", err)
	}

	teamID := mustCreateTeam(t, svc, "Gamma", "U1")
	if _, err := svc.DisbandTeam(ctx, teamID); err != nil {
		t.Fatalf("disband: %v", err)
	}
	_, err = svc.CreateTask(ctx, CreateTaskInput{Name: "x", Priority: "low", DueDate: "2026-01-01", TeamID: teamID})
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("disbanded team err = %v", err)
	}
	if got := counters(t, st, "U1"); got != (store.StatusCounts{}) {
		t.Fatalf("counters changed: %+v", got)
	}
}

func TestCreateTaskValidation(t *testing.T) {
	svc, _ := newTestService(t)
	tests := []struct {
		name  string
		input CreateTaskInput
		code  string
	}{
		{"missing name", CreateTaskInput{Priority: "low", DueDate: "2026-01-01", TeamID: "t"}, "MISSING_NAME"},
		{"bad priority", CreateTaskInput{Name: "x", Priority: "urgent", DueDate: "2026-01-01", TeamID: "t"}, "INVALID_PRIORITY"},
		{"bad due date", CreateTaskInput{Name: "x", Priority: "low", DueDate: "tomorrow", TeamID: "t"}, "INVALID_DUE_DATE"},
		{"missing team", CreateTaskInput{Name: "x", Priority: "Medium", DueDate: "2026-01-01"}, "MISSING_TEAM"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.CreateTask(context.Background(), tc.input)
			if !errors.Is(err, &DomainError{Kind: KindValidation, Code: tc.code}) {
				t.Fatalf("err = %v, want %s", err, tc.code)
			}
		})
	}
}

func TestCounterFailureLeavesTaskCompletedAndReconcileRepairs(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	seedUser(t, st, "U1", "team_leader")
	seedUser(t, st, "U2", "team_member")
	seedUser(t, st, "U3", "team_member")
	teamID := mustCreateTeam(t, svc, "Delta", "U1", "U2", "U3")
	taskID := mustCreateTask(t, svc, teamID, "Fragile")

	st.failCountersFor("U3")
	_, err := svc.CompleteTask(ctx, taskID)
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("err = %v, want store unavailable", err)
	}
	var de *DomainError
	if !errors.As(err, &de) {
		t.Fatalf("not a domain error: %v", err)
	}
	details, _ := de.Details.(map[string]any)
	if details["taskId"] != taskID {
		t.Fatalf("details = %v", de.Details)
	}
	if failed, _ := details["failedUserIds"].([]string); len(failed) != 1 || failed[0] != "U3" {
		t.Fatalf("failed users = %v", details["failedUserIds"])
	}

	task, err := st.GetTask(ctx, taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != store.TaskCompleted {
		t.Fatalf("task status = %s, want completed", task.Status)
	}
	if got := counters(t, st, "U1"); got != (store.StatusCounts{Completed: 1}) {
		t.Fatalf("U1 counters = %+v", got)
	}
	if got := counters(t, st, "U3"); got != (store.StatusCounts{Ongoing: 1}) {
		t.Fatalf("U3 counters = %+v", got)
	}

	st.failCountersFor()
	result, err := svc.ReconcileCounters(ctx, "U3")
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if result["changed"] != true {
		t.Fatalf("reconcile reported no change: %v", result)
	}
	if got := counters(t, st, "U3"); got != (store.StatusCounts{Completed: 1}) {
		t.Fatalf("U3 counters after reconcile = %+v", got)
	}

	results, err := svc.ReconcileAll(ctx)
	if err != nil {
		t.Fatalf("reconcile all: %v", err)
	}
	for _, r := range results {
		if r["changed"] == true {
			t.Fatalf("second pass still found drift: %v", r)
		}
	}
}

func TestGetOrCreateGeneralForumConcurrentCallers(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	const callers = 16
	ids := make([]string, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			forum, err := svc.GetOrCreateGeneralForum(ctx)
			ids[i], errs[i] = forum.ID, err
		}(i)
	}
	wg.Wait()
	for i := range ids {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if ids[i] != ids[0] {
			t.Fatalf("caller %d got forum %s, caller 0 got %s", i, ids[i], ids[0])
		}
	}

	_, err := svc.CreateGeneralForum(ctx)
	if !errors.Is(err, &DomainError{Kind: KindInvalidState, Code: "GENERAL_FORUM_EXISTS"}) {
		t.Fatalf("explicit create err = %v", err)
	}
}

func TestSubmitMessageRequiresIdentifiedConnection(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	seedUser(t, st, "U1", "team_member")

	anon, err := svc.OpenConnection(ctx, "")
	if err != nil {
		t.Fatalf("open anonymous: %v", err)
	}
	defer svc.CloseConnection(anon)
	if anon.State() != fanout.StateConnected {
		t.Fatalf("state = %v, want connected", anon.State())
	}
	_, err = svc.SubmitMessage(ctx, anon, fanout.Selector{General: true}, "hi")
	if !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("err = %v, want unauthenticated", err)
	}

	bad, err := svc.OpenConnection(ctx, "not-a-token")
	if !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("bad token err = %v", err)
	}
	defer svc.CloseConnection(bad)
	if bad.Identified() {
		t.Fatal("invalid token produced an identified connection")
	}

	c := connect(t, svc, "U1")
	svc.CloseConnection(c)
	_, err = svc.SubmitMessage(ctx, c, fanout.Selector{General: true}, "late")
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("closed connection err = %v", err)
	}

	if _, err := st.GeneralForum(ctx); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("rejected sends created a general forum: %v", err)
	}
}

func TestFirstGeneralMessagesFromTwoUsersShareOneForum(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	seedUser(t, st, "A", "team_member")
	seedUser(t, st, "B", "team_member")
	ca := connect(t, svc, "A")
	cb := connect(t, svc, "B")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, c := range []*fanout.Conn{ca, cb} {
		wg.Add(1)
		go func(i int, c *fanout.Conn) {
			defer wg.Done()
			_, errs[i] = svc.SubmitMessage(ctx, c, fanout.Selector{General: true}, "hello from "+c.Principal().UserID)
		}(i, c)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
	}

	general, err := st.GeneralForum(ctx)
	if err != nil {
		t.Fatalf("general forum: %v", err)
	}
	messages, err := st.ListMessages(ctx, general.ID, 10)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("got %d messages, want 2", len(messages))
	}

	for _, c := range []*fanout.Conn{ca, cb} {
		for i := 0; i < 2; i++ {
			if frame := nextFrame(t, c); frame.Type != fanout.FrameMessage || frame.ForumID != general.ID {
				t.Fatalf("frame %d for %s = %+v", i, c.Principal().UserID, frame)
			}
		}
	}
}

func TestTeamMessagesReachOnlyParticipants(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	seedUser(t, st, "U1", "team_leader")
	seedUser(t, st, "U2", "team_member")
	seedUser(t, st, "U9", "team_member")
	teamID := mustCreateTeam(t, svc, "Epsilon", "U1", "U2")

	leader := connect(t, svc, "U1")
	member := connect(t, svc, "U2")
	outsider := connect(t, svc, "U9")

	msg, err := svc.SubmitMessage(ctx, member, fanout.Selector{TeamID: teamID}, "  status update  ")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if msg.Text != "status update" {
		t.Fatalf("text = %q", msg.Text)
	}
	for _, c := range []*fanout.Conn{leader, member} {
		frame := nextFrame(t, c)
		if frame.Type != fanout.FrameMessage || frame.TeamID != teamID || frame.Message == nil || frame.Message.ID != msg.ID {
			t.Fatalf("frame for %s = %+v", c.Principal().UserID, frame)
		}
	}
	noFrame(t, outsider)

	_, err = svc.SubmitMessage(ctx, outsider, fanout.Selector{TeamID: teamID}, "let me in")
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("outsider err = %v, want forbidden", err)
	}

	if _, err := svc.DisbandTeam(ctx, teamID); err != nil {
		t.Fatalf("disband: %v", err)
	}
	_, err = svc.SubmitMessage(ctx, member, fanout.Selector{TeamID: teamID}, "anyone?")
	if !errors.Is(err, &DomainError{Kind: KindNotFound, Code: "FORUM_INACTIVE"}) {
		t.Fatalf("inactive forum err = %v", err)
	}
}

func TestSubmitMessageValidatesText(t *testing.T) {
	svc, st := newTestService(t)
	seedUser(t, st, "U1", "team_member")
	c := connect(t, svc, "U1")

	tests := []struct {
		name string
		text string
		code string
	}{
		{"blank", "   ", "EMPTY_MESSAGE"},
		{"too long", strings.Repeat("é", maxMessageRunes+1), "MESSAGE_TOO_LONG"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.SubmitMessage(context.Background(), c, fanout.Selector{General: true}, tc.text)
			if !errors.Is(err, &DomainError{Kind: KindValidation, Code: tc.code}) {
				t.Fatalf("err = %v, want %s", err, tc.code)
			}
		})
	}
}

func TestHandleFrameReplies(t *testing.T) {
	svc, st := newTestService(t)
	seedUser(t, st, "U1", "team_member")
	ctx := context.Background()
	c := connect(t, svc, "U1")

	tests := []struct {
		name string
		data string
		code string
	}{
		{"not json", `{`, "INVALID_FRAME"},
		{"unknown type", `{"type":"typing","requestId":"r1"}`, "UNKNOWN_FRAME"},
		{"bad forum", `{"type":"sendMessage","requestId":"r2","forumType":"team"}`, "INVALID_FORUM"},
		{"empty text", `{"type":"sendMessage","requestId":"r3","forumType":"general","message":" "}`, "EMPTY_MESSAGE"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			svc.HandleFrame(ctx, c, []byte(tc.data))
			frame := nextFrame(t, c)
			if frame.Type != fanout.FrameError || frame.Code != tc.code {
				t.Fatalf("frame = %+v, want error %s", frame, tc.code)
			}
		})
	}

	svc.HandleFrame(ctx, c, []byte(`{"type":"sendMessage","requestId":"ok","forumType":"general","message":"hi"}`))
	msg := nextFrame(t, c)
	if msg.Type != fanout.FrameMessage {
		t.Fatalf("first frame = %+v, want message", msg)
	}
	ack := nextFrame(t, c)
	if ack.Type != fanout.FrameAck || ack.RequestID != "ok" || ack.MessageID != msg.Message.ID {
		t.Fatalf("ack = %+v", ack)
	}

	anon, _ := svc.OpenConnection(ctx, "")
	defer svc.CloseConnection(anon)
	_ = nextFrame(t, anon)
	svc.HandleFrame(ctx, anon, []byte(`{"type":"sendMessage","requestId":"a","forumType":"general","message":"hi"}`))
	if frame := nextFrame(t, anon); frame.Code != "UNAUTHENTICATED" {
		t.Fatalf("anonymous frame = %+v", frame)
	}
}

func TestAttachFileStoresBlobAndRecord(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	seedUser(t, st, "U1", "team_leader")
	seedUser(t, st, "U9", "team_member")
	teamID := mustCreateTeam(t, svc, "Zeta", "U1")
	taskID := mustCreateTask(t, svc, teamID, "Docs")

	leader := Principal{UserID: "U1", Role: "team_leader"}
	content := []byte("meeting notes")
	file, err := svc.AttachFile(ctx, leader, taskID, FileUpload{
		Name:        "notes.txt",
		Note:        "first draft",
		ContentType: "text/plain",
		Size:        int64(len(content)),
		Body:        bytes.NewReader(content),
	})
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	fileID := file["id"].(string)

	rec, rc, err := svc.OpenTaskFile(ctx, leader, taskID, fileID)
	if err != nil {
		t.Fatalf("open file: %v", err)
	}
	defer rc.Close()
	got, _ := io.ReadAll(rc)
	if !bytes.Equal(got, content) || rec.FileName != "notes.txt" {
		t.Fatalf("file = %+v %q", rec, got)
	}

	outsider := Principal{UserID: "U9", Role: "team_member"}
	if _, _, err := svc.OpenTaskFile(ctx, outsider, taskID, fileID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("outsider err = %v, want not found", err)
	}

	_, err = svc.AttachFile(ctx, leader, taskID, FileUpload{Name: "run.exe", Size: 1, Body: strings.NewReader("x")})
	if !errors.Is(err, &DomainError{Kind: KindValidation, Code: "FILE_TYPE_NOT_ALLOWED"}) {
		t.Fatalf("exe err = %v", err)
	}
	_, err = svc.AttachFile(ctx, leader, taskID, FileUpload{Name: "big.pdf", Size: maxAttachmentBytes + 1, Body: strings.NewReader("x")})
	if !errors.Is(err, &DomainError{Kind: KindValidation, Code: "FILE_TOO_LARGE"}) {
		t.Fatalf("large file err = %v", err)
	}
}

func TestRegisterBootstrapAndSignIn(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	first, err := svc.Register(ctx, nil, RegisterInput{
		Username:  "boss@example.com",
		Password:  "correct horse",
		FirstName: "Ada",
		LastName:  "Boss",
		Role:      "team_member",
	})
	if err != nil {
		t.Fatalf("bootstrap register: %v", err)
	}
	if first["role"] != "manager" {
		t.Fatalf("first user role = %v, want manager", first["role"])
	}

	_, err = svc.Register(ctx, nil, RegisterInput{Username: "x@example.com", Password: "longenough", FirstName: "X", LastName: "Y"})
	if !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("anonymous second register err = %v", err)
	}

	if _, err := svc.SignIn(ctx, "boss@example.com", "wrong password"); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("bad password err = %v", err)
	}
	result, err := svc.SignIn(ctx, "BOSS@example.com", "correct horse")
	if err != nil {
		t.Fatalf("sign in: %v", err)
	}
	p, err := svc.ResolvePrincipal(ctx, result.Token)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if p.Role != "manager" || p.Username != "boss@example.com" {
		t.Fatalf("principal = %+v", p)
	}

	member, err := svc.Register(ctx, &p, RegisterInput{Username: "m@example.com", Password: "longenough", FirstName: "M", LastName: "N"})
	if err != nil {
		t.Fatalf("manager register: %v", err)
	}
	if member["role"] != "team_member" {
		t.Fatalf("member role = %v", member["role"])
	}
	_, err = svc.Register(ctx, &p, RegisterInput{Username: "m@example.com", Password: "longenough", FirstName: "M", LastName: "N"})
	if !errors.Is(err, &DomainError{Kind: KindInvalidState, Code: "USERNAME_TAKEN"}) {
		t.Fatalf("duplicate err = %v", err)
	}

	if err := svc.SignOut(ctx, p); err != nil {
		t.Fatalf("sign out: %v", err)
	}
	if _, err := svc.ResolvePrincipal(ctx, result.Token); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("resolve after sign out err = %v", err)
	}
}

func TestRedisSessionsBackIdentity(t *testing.T) {
	mr := miniredis.RunT(t)
	sessions, err := session.NewRedisStore("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("redis store: %v", err)
	}
	t.Cleanup(func() { _ = sessions.Close() })

	fs := &faultStore{Store: openTestStore(t)}
	svc := newServiceWith(t, Deps{Store: fs, Sessions: sessions})
	seedUser(t, fs, "U1", "team_member")

	token := tokenFor(t, svc, "U1")
	p, err := svc.ResolvePrincipal(context.Background(), token)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if p.UserID != "U1" {
		t.Fatalf("principal = %+v", p)
	}

	mr.FastForward(2 * time.Hour)
	if _, err := svc.ResolvePrincipal(context.Background(), token); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expired session err = %v", err)
	}
}

func TestUserTasksSplitsByStatus(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	seedUser(t, st, "U1", "team_leader")
	seedUser(t, st, "U2", "team_member")
	teamID := mustCreateTeam(t, svc, "Eta", "U1", "U2")
	done := mustCreateTask(t, svc, teamID, "Done")
	mustCreateTask(t, svc, teamID, "Open")
	if _, err := svc.CompleteTask(ctx, done); err != nil {
		t.Fatalf("complete: %v", err)
	}

	view, err := svc.UserTasks(ctx, "U2")
	if err != nil {
		t.Fatalf("user tasks: %v", err)
	}
	ongoing := view["ongoing"].([]map[string]any)
	completed := view["completed"].([]map[string]any)
	if len(ongoing) != 1 || len(completed) != 1 || completed[0]["id"] != done {
		t.Fatalf("ongoing=%v completed=%v", ongoing, completed)
	}
}

func TestOpenConnectionRefusedWhileSessionsAreDown(t *testing.T) {
	mr := miniredis.RunT(t)
	sessions, err := session.NewRedisStore("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("redis store: %v", err)
	}
	t.Cleanup(func() { _ = sessions.Close() })

	fs := &faultStore{Store: openTestStore(t)}
	svc := newServiceWith(t, Deps{Store: fs, Sessions: sessions})
	seedUser(t, fs, "U1", "team_member")
	token := tokenFor(t, svc, "U1")

	mr.SetError("LOADING redis is loading the dataset in memory")
	c, err := svc.OpenConnection(context.Background(), token)
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("err = %v, want store unavailable", err)
	}
	if c != nil {
		t.Fatalf("connection registered as %+v during a session outage", c.State())
	}
	if n := svc.Hub().ConnectionCount(); n != 0 {
		t.Fatalf("connections = %d, want 0", n)
	}

	mr.SetError("")
	c, err = svc.OpenConnection(context.Background(), token)
	if err != nil {
		t.Fatalf("open after recovery: %v", err)
	}
	defer svc.CloseConnection(c)
	if !c.Identified() {
		t.Fatal("connection not identified after recovery")
	}
}
