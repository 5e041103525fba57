package hub

import "regexp"

// subscriptionIndex maps topic -> (ClientID -> refcount). Invariant: every
// refcount present is >= 1; a 0 refcount means the entry is removed, and a
// topic with no subscribers is removed from the outer map entirely
// (spec.md §3 SubscriptionIndex).
type subscriptionIndex struct {
	byTopic map[string]map[ClientID]uint32
}

func newSubscriptionIndex() *subscriptionIndex {
	return &subscriptionIndex{byTopic: make(map[string]map[ClientID]uint32)}
}

// add increments the refcount, returning true the first time this
// (topic, client) pair transitions 0->1.
func (s *subscriptionIndex) add(topic string, client ClientID) (transitionedToOne bool) {
	subs, ok := s.byTopic[topic]
	if !ok {
		subs = make(map[ClientID]uint32)
		s.byTopic[topic] = subs
	}
	if _, present := subs[client]; !present {
		subs[client] = 1
		return true
	}
	subs[client]++
	return false
}

// remove decrements the refcount by one, returning true the transition to 0
// occurred (entry and, if the topic is now empty, the topic itself removed).
func (s *subscriptionIndex) remove(topic string, client ClientID) (transitionedToZero bool) {
	subs, ok := s.byTopic[topic]
	if !ok {
		return false
	}
	count, present := subs[client]
	if !present {
		return false
	}
	if count <= 1 {
		delete(subs, client)
		if len(subs) == 0 {
			delete(s.byTopic, topic)
		}
		return true
	}
	subs[client] = count - 1
	return false
}

// removeAll fully removes client from topic regardless of refcount,
// returning true if the client was present (used by OnClose, which treats
// subscriber cleanup as a full remove rather than a decrement per spec.md
// §4.1 OnClose step 1).
func (s *subscriptionIndex) removeAll(topic string, client ClientID) (wasPresent bool) {
	subs, ok := s.byTopic[topic]
	if !ok {
		return false
	}
	if _, present := subs[client]; !present {
		return false
	}
	delete(subs, client)
	if len(subs) == 0 {
		delete(s.byTopic, topic)
	}
	return true
}

// topicsOf enumerates every topic for which client holds a subscription.
func (s *subscriptionIndex) topicsOf(client ClientID) []string {
	var topics []string
	for topic, subs := range s.byTopic {
		if _, ok := subs[client]; ok {
			topics = append(topics, topic)
		}
	}
	return topics
}

// subscribers returns the subscriber set for topic, or nil if none.
func (s *subscriptionIndex) subscribers(topic string) map[ClientID]uint32 {
	return s.byTopic[topic]
}

// topicsMatching returns every topic name satisfying pattern, for
// notification back-fill.
func (s *subscriptionIndex) topicsMatching(pattern *regexp.Regexp) []string {
	var topics []string
	for topic := range s.byTopic {
		if pattern.MatchString(topic) {
			topics = append(topics, topic)
		}
	}
	return topics
}

// notificationIndex maps pattern string -> compiled regex and
// (ClientID -> refcount), same refcount discipline as subscriptionIndex.
type notificationIndex struct {
	byPattern map[string]*notificationEntry
}

type notificationEntry struct {
	compiled  *regexp.Regexp
	listeners map[ClientID]uint32
}

func newNotificationIndex() *notificationIndex {
	return &notificationIndex{byPattern: make(map[string]*notificationEntry)}
}

// add compiles pattern on first registration (returning the compile error,
// if any) and increments listener's refcount.
func (n *notificationIndex) add(pattern string, listener ClientID) (transitionedToOne bool, err error) {
	entry, ok := n.byPattern[pattern]
	if !ok {
		compiled, cerr := regexp.Compile(pattern)
		if cerr != nil {
			return false, cerr
		}
		entry = &notificationEntry{compiled: compiled, listeners: make(map[ClientID]uint32)}
		n.byPattern[pattern] = entry
	}
	if _, present := entry.listeners[listener]; !present {
		entry.listeners[listener] = 1
		return true, nil
	}
	entry.listeners[listener]++
	return false, nil
}

func (n *notificationIndex) remove(pattern string, listener ClientID) (transitionedToZero bool) {
	entry, ok := n.byPattern[pattern]
	if !ok {
		return false
	}
	count, present := entry.listeners[listener]
	if !present {
		return false
	}
	if count <= 1 {
		delete(entry.listeners, listener)
		if len(entry.listeners) == 0 {
			delete(n.byPattern, pattern)
		}
		return true
	}
	entry.listeners[listener] = count - 1
	return false
}

// removeClient purges listener from every pattern (used by OnClose).
func (n *notificationIndex) removeClient(listener ClientID) {
	for pattern, entry := range n.byPattern {
		if _, ok := entry.listeners[listener]; ok {
			delete(entry.listeners, listener)
			if len(entry.listeners) == 0 {
				delete(n.byPattern, pattern)
			}
		}
	}
}

// matching enumerates every (pattern, listeners) pair whose compiled regex
// matches topic.
func (n *notificationIndex) matching(topic string) []*notificationEntry {
	var out []*notificationEntry
	for _, entry := range n.byPattern {
		if entry.compiled.MatchString(topic) {
			out = append(out, entry)
		}
	}
	return out
}

// publisherIndex tracks which clients have published which topics,
// bidirectionally, so OnClose can find topics a departing client was the
// sole publisher of (spec.md §3 PublisherIndex).
type publisherIndex struct {
	topicsByPublisher map[ClientID]map[string]struct{}
	publishersByTopic map[string]map[ClientID]struct{}
}

func newPublisherIndex() *publisherIndex {
	return &publisherIndex{
		topicsByPublisher: make(map[ClientID]map[string]struct{}),
		publishersByTopic: make(map[string]map[ClientID]struct{}),
	}
}

// record lazily registers publisher as a publisher of topic.
func (p *publisherIndex) record(publisher ClientID, topic string) {
	topics, ok := p.topicsByPublisher[publisher]
	if !ok {
		topics = make(map[string]struct{})
		p.topicsByPublisher[publisher] = topics
	}
	topics[topic] = struct{}{}

	publishers, ok := p.publishersByTopic[topic]
	if !ok {
		publishers = make(map[ClientID]struct{})
		p.publishersByTopic[topic] = publishers
	}
	publishers[publisher] = struct{}{}
}

// removeClient deletes publisher from every topic it appears in and returns
// the topics for which publisher was the *only* publisher (these need a
// stale-topic notification on disconnect).
func (p *publisherIndex) removeClient(publisher ClientID) []string {
	topics, ok := p.topicsByPublisher[publisher]
	if !ok {
		return nil
	}
	delete(p.topicsByPublisher, publisher)

	var soleTopics []string
	for topic := range topics {
		publishers := p.publishersByTopic[topic]
		delete(publishers, publisher)
		if len(publishers) == 0 {
			delete(p.publishersByTopic, topic)
			soleTopics = append(soleTopics, topic)
		}
	}
	return soleTopics
}
