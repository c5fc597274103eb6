package handlers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"seedkeeper/internal/session"
	"seedkeeper/internal/storage"
	"seedkeeper/internal/worker"
	logx "seedkeeper/pkg/logx"
)

const (
	parseFeature = "birthday_parse"
	matchFeature = "birthday_matched"

	parseTTL = 5 * time.Minute
	matchTTL = 10 * time.Minute
)

type matched struct {
	Entry
	UserID     string  `json:"user_id"`
	UserName   string  `json:"user_name"`
	Confidence float64 `json:"confidence"`
}

type matchState struct {
	Matched   []matched `json:"matched"`
	Unmatched []Entry   `json:"unmatched,omitempty"`
}

func (h *set) birthday(ctx context.Context, req *worker.Request) error {
	sub := strings.ToLower(req.Arg(0))
	switch sub {
	case "", "list":
		return h.birthdayList(ctx, req)
	case "cancel":
		return h.birthdayCancel(ctx, req)
	}
	if !req.Privileged {
		return req.Reply(ctx, "Only admins can change birthdays.")
	}
	switch sub {
	case "import", "parse":
		return h.birthdayImport(ctx, req)
	case "match":
		return h.birthdayMatch(ctx, req)
	case "confirm":
		return h.birthdayConfirm(ctx, req)
	case "set":
		return h.birthdaySet(ctx, req)
	default:
		return req.Reply(ctx, "Usage: "+h.prefix+"birthday list | import <name MM-DD; ...> | match | confirm | cancel | set <user_id> <date>")
	}
}

func (h *set) birthdayList(ctx context.Context, req *worker.Request) error {
	bs, err := req.Store().ListBirthdays(ctx)
	if err != nil {
		return err
	}
	if len(bs) == 0 {
		return req.Reply(ctx, "No birthdays saved yet.")
	}
	sort.Slice(bs, func(i, j int) bool {
		if bs[i].Month != bs[j].Month {
			return bs[i].Month < bs[j].Month
		}
		if bs[i].Day != bs[j].Day {
			return bs[i].Day < bs[j].Day
		}
		return bs[i].Name < bs[j].Name
	})
	lines := []string{fmt.Sprintf("Birthdays (%d):", len(bs))}
	for _, b := range bs {
		name := b.Name
		if name == "" {
			name = b.UserID
		}
		lines = append(lines, fmt.Sprintf("- %02d-%02d %s", b.Month, b.Day, name))
	}
	return req.Reply(ctx, strings.Join(lines, "\n"))
}

func (h *set) birthdayImport(ctx context.Context, req *worker.Request) error {
	text := strings.TrimSpace(req.Rest(1))
	if text == "" {
		return req.Reply(ctx, "Usage: "+h.prefix+"birthday import <name MM-DD; name (nick) March 4; ...>")
	}
	entries, rejects := ParseEntries(text)
	if len(entries) == 0 {
		return req.Reply(ctx, "Could not parse any birthdays from that text.")
	}
	key := session.Key(parseFeature, req.Command.AuthorID)
	if err := req.Sessions().Set(ctx, key, entries, parseTTL); err != nil {
		return err
	}
	lines := []string{fmt.Sprintf("Parsed %d birthdays:", len(entries))}
	for _, e := range entries {
		lines = append(lines, fmt.Sprintf("- %s: %s", displayName(e), e.Date))
	}
	if len(rejects) > 0 {
		lines = append(lines, "", "Skipped: "+strings.Join(rejects, "; "))
	}
	lines = append(lines, "", fmt.Sprintf("Use %sbirthday match to match them to members.", h.prefix))
	return req.Reply(ctx, strings.Join(lines, "\n"))
}

func (h *set) birthdayMatch(ctx context.Context, req *worker.Request) error {
	var entries []Entry
	ok, err := req.Sessions().Get(ctx, session.Key(parseFeature, req.Command.AuthorID), &entries)
	if err != nil {
		return err
	}
	if !ok || len(entries) == 0 {
		return req.Reply(ctx, fmt.Sprintf("Nothing to match. Use %sbirthday import first.", h.prefix))
	}
	guild := req.Command.GuildID
	if guild == "" {
		return req.Reply(ctx, "Run match in the group whose members you want to match.")
	}
	members, err := req.FetchMembers(ctx, guild)
	switch {
	case errors.Is(err, worker.ErrUnavailable), errors.Is(err, worker.ErrNotFound):
		return req.Reply(ctx, worker.ErrUnavailable.Error())
	case err != nil:
		return err
	}
	if len(members) == 0 {
		return req.Reply(ctx, "I can't see any members of this group yet.")
	}

	var st matchState
	for _, e := range entries {
		m, score, ok := matchMember(e.Name, e.Nickname, members)
		if !ok {
			st.Unmatched = append(st.Unmatched, e)
			continue
		}
		name := m.Name
		if name == "" {
			name = m.Username
		}
		st.Matched = append(st.Matched, matched{Entry: e, UserID: m.ID, UserName: name, Confidence: score})
	}
	if err := req.Sessions().Set(ctx, session.Key(matchFeature, req.Command.AuthorID), st, matchTTL); err != nil {
		return err
	}

	lines := []string{"Birthday matching"}
	if len(st.Matched) > 0 {
		lines = append(lines, "", fmt.Sprintf("Matched (%d):", len(st.Matched)))
		for _, m := range st.Matched {
			conf := "exact"
			if m.Confidence < 0.95 {
				conf = fmt.Sprintf("%.0f%%", m.Confidence*100)
			}
			lines = append(lines, fmt.Sprintf("- %s %s -> %s [%s]", m.Date, displayName(m.Entry), m.UserName, conf))
		}
	}
	if len(st.Unmatched) > 0 {
		lines = append(lines, "", fmt.Sprintf("No match (%d):", len(st.Unmatched)))
		for _, e := range st.Unmatched {
			lines = append(lines, fmt.Sprintf("- %s %s", e.Date, displayName(e)))
		}
	}
	if len(st.Matched) > 0 {
		lines = append(lines, "", fmt.Sprintf("Use %sbirthday confirm to save the matched birthdays.", h.prefix))
	}
	return req.Reply(ctx, strings.Join(lines, "\n"))
}

func (h *set) birthdayConfirm(ctx context.Context, req *worker.Request) error {
	key := session.Key(matchFeature, req.Command.AuthorID)
	var st matchState
	ok, err := req.Sessions().Get(ctx, key, &st)
	if err != nil {
		return err
	}
	if !ok || len(st.Matched) == 0 {
		return req.Reply(ctx, fmt.Sprintf("Nothing to confirm. Run %sbirthday import and %sbirthday match first.", h.prefix, h.prefix))
	}
	var added, failed int
	var failures []string
	now := time.Now().UTC()
	for _, m := range st.Matched {
		err := req.Store().PutBirthday(ctx, storage.Birthday{
			UserID: m.UserID, Name: m.UserName, Month: m.Date.Month, Day: m.Date.Day, UpdatedAt: now,
		})
		if err != nil {
			failed++
			failures = append(failures, fmt.Sprintf("- %s: %v", m.UserName, err))
			continue
		}
		added++
	}
	_ = req.Sessions().Delete(ctx, key)
	_ = req.Sessions().Delete(ctx, session.Key(parseFeature, req.Command.AuthorID))
	audit(ctx, req, "birthday.import", "", failed == 0, fmt.Sprintf("added=%d failed=%d", added, failed))

	msg := fmt.Sprintf("Saved %d birthdays.", added)
	if failed > 0 {
		msg += fmt.Sprintf(" %d failed:\n%s", failed, strings.Join(failures, "\n"))
	}
	return req.Reply(ctx, msg)
}

func (h *set) birthdayCancel(ctx context.Context, req *worker.Request) error {
	_ = req.Sessions().Delete(ctx, session.Key(parseFeature, req.Command.AuthorID))
	_ = req.Sessions().Delete(ctx, session.Key(matchFeature, req.Command.AuthorID))
	return req.Reply(ctx, "Birthday import cancelled.")
}

func (h *set) birthdaySet(ctx context.Context, req *worker.Request) error {
	user := req.Arg(1)
	d, err := ParseDate(req.Rest(2))
	if user == "" || err != nil {
		msg := "Usage: " + h.prefix + "birthday set <user_id> <date>"
		if user != "" {
			msg = err.Error()
		}
		return req.Reply(ctx, msg)
	}
	err = req.Store().PutBirthday(ctx, storage.Birthday{UserID: user, Month: d.Month, Day: d.Day, UpdatedAt: time.Now().UTC()})
	audit(ctx, req, "birthday.set", user, err == nil, d.String())
	if err != nil {
		return req.Reply(ctx, "Could not save that birthday: "+err.Error())
	}
	return req.Reply(ctx, fmt.Sprintf("Saved %s for %s.", d, user))
}

func displayName(e Entry) string {
	if e.Nickname != "" {
		return e.Name + " (" + e.Nickname + ")"
	}
	return e.Name
}

func audit(ctx context.Context, req *worker.Request, action, target string, ok bool, meta string) {
	err := req.Store().AppendAudit(ctx, storage.AuditEntry{
		At:      time.Now().UTC(),
		ActorID: req.Command.AuthorID,
		Action:  action,
		Target:  target,
		OK:      ok,
		Meta:    meta,
	})
	if err != nil {
		req.Log.Warn("audit not recorded", logx.String("action", action), logx.Err(err))
	}
}
