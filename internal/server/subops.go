package server

import (
	"time"

	"github.com/OpenPrinting/goipp"

	"printd/internal/ippattr"
	"printd/internal/notify"
)

// subscriptionGroups returns the subscription template groups of a
// Create-Xxx-Subscriptions request, one per subscription to create.
func (q *request) subscriptionGroups() []goipp.Attributes {
	var out []goipp.Attributes
	for _, g := range q.msg.Groups {
		if g.Tag == goipp.TagSubscriptionGroup {
			out = append(out, g.Attrs)
		}
	}
	return out
}

// buildSubscription parses one subscription template group.
func (s *Server) buildSubscription(q *request, attrs goipp.Attributes,
	dest string, jobID int) (*notify.Subscription, []string, error) {

	sub := &notify.Subscription{
		Owner:    q.user,
		DestName: dest,
		JobID:    jobID,
		Charset:  q.meta.Charset,
		Language: q.meta.Language,
	}

	keywords := ippattr.Strings(attrs, "notify-events")
	if len(keywords) == 0 {
		keywords = []string{"job-completed"}
	}
	mask, unknown := notify.ParseEvents(keywords)
	if mask == 0 {
		return nil, unknown, ippattr.Errorf(goipp.StatusErrorAttributesOrValues,
			"no recognized notify-events values")
	}
	sub.Events = mask

	if uri, ok := ippattr.String(attrs, "notify-recipient-uri"); ok {
		sub.Recipient = uri
	}
	if pm, ok := ippattr.String(attrs, "notify-pull-method"); ok {
		if pm != "ippget" {
			return nil, unknown, ippattr.Errorf(goipp.StatusErrorAttributesOrValues,
				"unsupported notify-pull-method %q", pm)
		}
		sub.PullMethod = pm
	}
	if n, ok := ippattr.Int(attrs, "notify-lease-duration"); ok && n > 0 {
		sub.Lease = time.Duration(n) * time.Second
	}
	if n, ok := ippattr.Int(attrs, "notify-time-interval"); ok && n > 0 {
		sub.Interval = time.Duration(n) * time.Second
	}
	if a, ok := ippattr.Find(attrs, "notify-user-data"); ok && len(a.Values) > 0 {
		if b, isBin := a.Values[0].V.(goipp.Binary); isBin {
			sub.UserData = append([]byte(nil), b...)
		}
	}
	return sub, unknown, nil
}

func (s *Server) createSubscriptions(q *request) (*goipp.Message, error) {
	if err := s.checkPolicy(q, q.user); err != nil {
		return nil, err
	}

	dest := ""
	jobID := 0
	if q.op == goipp.OpCreateJobSubscriptions {
		j, err := s.resolveJob(q)
		if err != nil {
			return nil, err
		}
		jobID = j.ID
		dest = j.Dest
	} else {
		// A subscription on the server itself carries no destination.
		if name, _ := destNameFromURI(q.meta.Target); name != "" {
			d, err := s.Reg.Get(name)
			if err != nil {
				return q.errorf(goipp.StatusErrorNotFound,
					"destination %q not found", name)
			}
			dest = d.Snapshot().Name
		}
		if id, ok := ippattr.Int(q.msg.Operation, "notify-job-id"); ok {
			j := s.Jobs.Find(id)
			if j == nil {
				return q.errorf(goipp.StatusErrorNotFound, "job %d not found", id)
			}
			jobID = j.ID
			dest = j.Dest
		}
	}

	templates := q.subscriptionGroups()
	if len(templates) == 0 {
		return q.errorf(goipp.StatusErrorBadRequest, "no subscription attributes")
	}

	groups := goipp.Groups{{Tag: goipp.TagOperationGroup, Attrs: buildOperationDefaults()}}
	created := 0
	var firstErr error
	for _, tmpl := range templates {
		out := goipp.Attributes{}
		sub, _, err := s.buildSubscription(q, tmpl, dest, jobID)
		if err == nil {
			sub, err = s.Bus.Create(sub)
		}
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			status := goipp.StatusErrorInternal
			if st, ok := statusForError(err); ok {
				status = st
			} else if re, ok := err.(*ippattr.RequestError); ok {
				status = re.Status
			}
			out.Add(goipp.MakeAttribute("notify-status-code",
				goipp.TagEnum, goipp.Integer(int(status))))
		} else {
			created++
			out.Add(goipp.MakeAttribute("notify-subscription-id",
				goipp.TagInteger, goipp.Integer(sub.ID)))
		}
		groups = append(groups, goipp.Group{Tag: goipp.TagSubscriptionGroup, Attrs: out})
	}

	status := goipp.StatusOk
	if created == 0 {
		status = goipp.StatusErrorIgnoredAllSubscriptions
	} else if created < len(templates) {
		status = goipp.StatusOkIgnoredSubscriptions
	}
	resp := goipp.NewMessageWithGroups(q.msg.Version, goipp.Code(status),
		q.msg.RequestID, groups)
	return resp, nil
}

// resolveSubscription finds the subscription a request addresses.
func (s *Server) resolveSubscription(q *request) (*notify.Subscription, error) {
	id, ok := ippattr.Int(q.msg.Operation, "notify-subscription-id")
	if !ok {
		return nil, ippattr.Errorf(goipp.StatusErrorBadRequest,
			"missing notify-subscription-id")
	}
	sub, err := s.Bus.Get(id)
	if err != nil {
		return nil, ippattr.Errorf(goipp.StatusErrorNotFound,
			"subscription %d not found", id)
	}
	return sub, nil
}

func (s *Server) getSubscriptionAttributes(q *request) (*goipp.Message, error) {
	s.Bus.Expire(time.Now())
	sub, err := s.resolveSubscription(q)
	if err != nil {
		return nil, err
	}
	if err := s.checkPolicy(q, sub.Owner); err != nil {
		return nil, err
	}
	req := ippattr.ParseRequested(q.msg.Operation)
	resp := q.okResponse()
	resp.Subscription = s.subscriptionAttributes(q, sub, req)
	return resp, nil
}

func (s *Server) getSubscriptions(q *request) (*goipp.Message, error) {
	s.Bus.Expire(time.Now())
	if err := s.checkPolicy(q, q.user); err != nil {
		return nil, err
	}

	var subs []*notify.Subscription
	if id, ok := ippattr.Int(q.msg.Operation, "notify-job-id"); ok {
		subs = s.Bus.ForJob(id)
	} else if name, _ := destNameFromURI(q.meta.Target); name != "" {
		d, err := s.Reg.Get(name)
		if err != nil {
			return q.errorf(goipp.StatusErrorNotFound, "destination %q not found", name)
		}
		subs = s.Bus.ForDest(d.Snapshot().Name)
	} else {
		subs = s.Bus.All()
	}

	mySubs, _ := ippattr.Bool(q.msg.Operation, "my-subscriptions")
	limit, _ := ippattr.Int(q.msg.Operation, "limit")
	req := ippattr.ParseRequested(q.msg.Operation)

	groups := goipp.Groups{{Tag: goipp.TagOperationGroup, Attrs: buildOperationDefaults()}}
	n := 0
	for _, sub := range subs {
		if mySubs && sub.Owner != q.user {
			continue
		}
		groups = append(groups, goipp.Group{
			Tag:   goipp.TagSubscriptionGroup,
			Attrs: s.subscriptionAttributes(q, sub, req),
		})
		n++
		if limit > 0 && n >= limit {
			break
		}
	}
	status := goipp.StatusOk
	if n == 0 {
		status = goipp.StatusErrorNotFound
	}
	return goipp.NewMessageWithGroups(q.msg.Version, goipp.Code(status),
		q.msg.RequestID, groups), nil
}

func (s *Server) renewSubscription(q *request) (*goipp.Message, error) {
	sub, err := s.resolveSubscription(q)
	if err != nil {
		return nil, err
	}
	if err := s.requireOwnerOrAdmin(q, sub.Owner); err != nil {
		return nil, err
	}
	lease := time.Duration(0)
	if n, ok := ippattr.Int(q.msg.Operation, "notify-lease-duration"); ok && n > 0 {
		lease = time.Duration(n) * time.Second
	}
	sub, err = s.Bus.Renew(sub.ID, lease)
	if err != nil {
		return nil, err
	}
	resp := q.okResponse()
	if sub.Lease > 0 {
		resp.Subscription.Add(goipp.MakeAttribute("notify-lease-duration",
			goipp.TagInteger, goipp.Integer(int(sub.Lease/time.Second))))
	}
	return resp, nil
}

func (s *Server) cancelSubscription(q *request) (*goipp.Message, error) {
	sub, err := s.resolveSubscription(q)
	if err != nil {
		return nil, err
	}
	if err := s.requireOwnerOrAdmin(q, sub.Owner); err != nil {
		return nil, err
	}
	if err := s.Bus.Cancel(sub.ID); err != nil {
		return nil, err
	}
	return q.okResponse(), nil
}

// getNotifications drains pending events for one or more subscriptions.
// The notify-get-interval hint in the response tells pull clients when to
// come back.
func (s *Server) getNotifications(q *request) (*goipp.Message, error) {
	s.Bus.Expire(time.Now())
	if err := s.checkPolicy(q, q.user); err != nil {
		return nil, err
	}

	ids := ippattr.Ints(q.msg.Operation, "notify-subscription-ids")
	if len(ids) == 0 {
		if id, ok := ippattr.Int(q.msg.Operation, "notify-subscription-id"); ok {
			ids = []int{id}
		}
	}
	if len(ids) == 0 {
		return q.errorf(goipp.StatusErrorBadRequest, "missing notify-subscription-ids")
	}
	seqs := ippattr.Ints(q.msg.Operation, "notify-sequence-numbers")

	wait := 60 * time.Second
	groups := goipp.Groups{}
	total := 0
	for i, id := range ids {
		sub, err := s.Bus.Get(id)
		if err != nil {
			return q.errorf(goipp.StatusErrorNotFound, "subscription %d not found", id)
		}
		if err := s.requireOwnerOrAdmin(q, sub.Owner); err != nil {
			return nil, err
		}
		since := 1
		if i < len(seqs) {
			since = seqs[i]
		}
		events, subWait, err := s.Bus.EventsSince(id, since)
		if err != nil {
			return nil, err
		}
		if subWait > 0 && subWait < wait {
			wait = subWait
		}
		for _, ev := range events {
			groups = append(groups, goipp.Group{
				Tag:   goipp.TagEventNotificationGroup,
				Attrs: s.eventAttributes(q, sub, ev),
			})
			total++
		}
	}

	op := buildOperationDefaults()
	op.Add(goipp.MakeAttribute("notify-get-interval", goipp.TagInteger,
		goipp.Integer(int(wait/time.Second))))
	all := append(goipp.Groups{{Tag: goipp.TagOperationGroup, Attrs: op}}, groups...)

	status := goipp.StatusOk
	if total == 0 {
		status = goipp.StatusOkIgnoredNotifications
	}
	return goipp.NewMessageWithGroups(q.msg.Version, goipp.Code(status),
		q.msg.RequestID, all), nil
}
