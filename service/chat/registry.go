package chat

import (
	"sort"
	"sync"
)

// Registry 本实例的连接索引：用户名 -> 连接，topic -> 订阅连接
type Registry struct {
	mu      sync.RWMutex
	byUser  map[string]map[string]*Client // username -> conn_id -> client
	byTopic map[string]map[string]*Client // topic -> conn_id -> client
	byConn  map[string]*Client
}

func NewRegistry() *Registry {
	return &Registry{
		byUser:  make(map[string]map[string]*Client),
		byTopic: make(map[string]map[string]*Client),
		byConn:  make(map[string]*Client),
	}
}

// add 返回是否为该用户在本实例的第一条连接；
// maxPerUser > 0 时超出部分按建立时间淘汰最老的连接并返回
func (r *Registry) add(c *Client, maxPerUser int) (first bool, evicted []*Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.byUser[c.Username]
	if m == nil {
		m = make(map[string]*Client)
		r.byUser[c.Username] = m
	}
	first = len(m) == 0
	m[c.ConnID] = c
	r.byConn[c.ConnID] = c

	if maxPerUser > 0 && len(m) > maxPerUser {
		all := make([]*Client, 0, len(m))
		for _, x := range m {
			if x != c {
				all = append(all, x)
			}
		}
		sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })
		evicted = all[:len(m)-maxPerUser]
	}
	return first, evicted
}

// remove 返回是否为该用户在本实例的最后一条连接
func (r *Registry) remove(c *Client) (last bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byConn[c.ConnID]; !ok {
		return false
	}
	delete(r.byConn, c.ConnID)
	for t := range c.topics {
		r.unsubscribeLocked(c, t)
	}
	if m := r.byUser[c.Username]; m != nil {
		delete(m, c.ConnID)
		if len(m) == 0 {
			delete(r.byUser, c.Username)
			return true
		}
	}
	return false
}

func (r *Registry) subscribe(c *Client, topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byConn[c.ConnID]; !ok {
		return
	}
	m := r.byTopic[topic]
	if m == nil {
		m = make(map[string]*Client)
		r.byTopic[topic] = m
	}
	m[c.ConnID] = c
	c.topics[topic] = struct{}{}
}

func (r *Registry) unsubscribe(c *Client, topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unsubscribeLocked(c, topic)
}

func (r *Registry) unsubscribeLocked(c *Client, topic string) {
	delete(c.topics, topic)
	if m := r.byTopic[topic]; m != nil {
		delete(m, c.ConnID)
		if len(m) == 0 {
			delete(r.byTopic, topic)
		}
	}
}

func (r *Registry) listByUser(username string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return values(r.byUser[username])
}

func (r *Registry) listByTopic(topic string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return values(r.byTopic[topic])
}

// listAll 关闭时使用
func (r *Registry) listAll() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return values(r.byConn)
}

func (r *Registry) count() (conns, users int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn), len(r.byUser)
}

func values(m map[string]*Client) []*Client {
	if len(m) == 0 {
		return nil
	}
	out := make([]*Client, 0, len(m))
	for _, c := range m {
		out = append(out, c)
	}
	return out
}
