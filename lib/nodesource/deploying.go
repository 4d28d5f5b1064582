// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package nodesource

import (
	"errors"
	"sort"
	"sync"
	"time"
)

var (
	ErrLostRecord  = errors.New("cannot add a lost node as deploying")
	ErrLostIsFinal = errors.New("lost node cannot return to deploying")
)

// DeployingState is the state of a DeployingNode.
type DeployingState string

const (
	StateDeploying DeployingState = "DEPLOYING"
	StateLost      DeployingState = "LOST"
)

// DeployingNode is a placeholder for a node that is being started,
// or that failed to start and is now lost. URL identifies the
// record. Once lost, a record never returns to deploying.
type DeployingNode struct {
	URL         string    `json:"url"`
	Name        string    `json:"name"`
	Host        string    `json:"host"`
	Description string    `json:"description"`
	Command     string    `json:"command"`
	Created     time.Time `json:"created"`

	mtx   sync.Mutex
	state DeployingState
}

// NewDeployingNode returns a record in the DEPLOYING state.
func NewDeployingNode(url, name, host string) *DeployingNode {
	return &DeployingNode{
		URL:     url,
		Name:    name,
		Host:    host,
		Created: time.Now(),
		state:   StateDeploying,
	}
}

// State returns the current state.
func (dn *DeployingNode) State() DeployingState {
	dn.mtx.Lock()
	defer dn.mtx.Unlock()
	if dn.state == "" {
		return StateDeploying
	}
	return dn.state
}

// SetLost moves the record to LOST.
func (dn *DeployingNode) SetLost() {
	dn.mtx.Lock()
	defer dn.mtx.Unlock()
	dn.state = StateLost
}

// IsLost returns true if the record is LOST.
func (dn *DeployingNode) IsLost() bool {
	return dn.State() == StateLost
}

// DeployingView is a copy of a DeployingNode, suitable for encoding.
type DeployingView struct {
	URL         string         `json:"url"`
	Name        string         `json:"name"`
	Host        string         `json:"host"`
	Description string         `json:"description"`
	Command     string         `json:"command"`
	Created     time.Time      `json:"created"`
	State       DeployingState `json:"state"`
}

func (dn *DeployingNode) View() DeployingView {
	dn.mtx.Lock()
	defer dn.mtx.Unlock()
	state := dn.state
	if state == "" {
		state = StateDeploying
	}
	return DeployingView{
		URL:         dn.URL,
		Name:        dn.Name,
		Host:        dn.Host,
		Description: dn.Description,
		Command:     dn.Command,
		Created:     dn.Created,
		State:       state,
	}
}

// DeployingNodeRegistry holds deploying and lost node records, keyed
// by URL. The same URL may appear in both maps; lookups prefer the
// deploying record. Operations on the same URL are serialized by a
// per-URL lock; mtx only guards the maps themselves.
type DeployingNodeRegistry struct {
	urls      keyLock
	mtx       sync.Mutex
	deploying map[string]*DeployingNode
	lost      map[string]*DeployingNode
}

func NewDeployingNodeRegistry() *DeployingNodeRegistry {
	return &DeployingNodeRegistry{
		deploying: map[string]*DeployingNode{},
		lost:      map[string]*DeployingNode{},
	}
}

func (reg *DeployingNodeRegistry) get(url string) (deploying, lost *DeployingNode) {
	reg.mtx.Lock()
	defer reg.mtx.Unlock()
	return reg.deploying[url], reg.lost[url]
}

func (reg *DeployingNodeRegistry) setDeploying(url string, dn *DeployingNode) {
	reg.mtx.Lock()
	defer reg.mtx.Unlock()
	if dn == nil {
		delete(reg.deploying, url)
	} else {
		reg.deploying[url] = dn
	}
}

func (reg *DeployingNodeRegistry) setLost(url string, dn *DeployingNode) {
	reg.mtx.Lock()
	defer reg.mtx.Unlock()
	if dn == nil {
		delete(reg.lost, url)
	} else {
		reg.lost[url] = dn
	}
}

// moveToLost replaces the deploying entry for url with a lost entry,
// in one step.
func (reg *DeployingNodeRegistry) moveToLost(url string, dn *DeployingNode) {
	reg.mtx.Lock()
	defer reg.mtx.Unlock()
	delete(reg.deploying, url)
	reg.lost[url] = dn
}

// AddDeploying adds or replaces a deploying record.
func (reg *DeployingNodeRegistry) AddDeploying(dn *DeployingNode) error {
	if dn.IsLost() {
		return ErrLostRecord
	}
	defer reg.urls.Lock(dn.URL)()
	reg.setDeploying(dn.URL, dn)
	return nil
}

// Create adds a deploying record unless a deploying or lost record
// with the same URL exists. It returns false in that case.
func (reg *DeployingNodeRegistry) Create(dn *DeployingNode) bool {
	if dn.IsLost() {
		return false
	}
	defer reg.urls.Lock(dn.URL)()
	if deploying, lost := reg.get(dn.URL); deploying != nil || lost != nil {
		return false
	}
	reg.setDeploying(dn.URL, dn)
	return true
}

// AddLost marks dn lost and adds or replaces it in the lost map.
func (reg *DeployingNodeRegistry) AddLost(dn *DeployingNode) {
	dn.SetLost()
	defer reg.urls.Lock(dn.URL)()
	reg.setLost(dn.URL, dn)
}

// Lookup returns the deploying record for url, else the lost record,
// else nil.
func (reg *DeployingNodeRegistry) Lookup(url string) *DeployingNode {
	deploying, lost := reg.get(url)
	if deploying != nil {
		return deploying
	}
	return lost
}

// Update replaces the record with the same URL and returns the
// previous one. A lost record replaces the lost entry if there is
// one, otherwise the deploying entry is declared lost and replaced.
// A deploying record replaces the deploying entry. Updating a record
// that only exists as lost with a deploying record returns
// ErrLostIsFinal. Unknown URLs are ignored and return nil, nil.
func (reg *DeployingNodeRegistry) Update(dn *DeployingNode) (*DeployingNode, error) {
	isLost := dn.IsLost()
	defer reg.urls.Lock(dn.URL)()
	deploying, lost := reg.get(dn.URL)
	switch {
	case lost != nil && isLost:
		reg.setLost(dn.URL, dn)
		return lost, nil
	case deploying != nil && !isLost:
		reg.setDeploying(dn.URL, dn)
		return deploying, nil
	case deploying != nil:
		deploying.SetLost()
		reg.moveToLost(dn.URL, dn)
		return deploying, nil
	case lost != nil:
		return nil, ErrLostIsFinal
	}
	return nil, nil
}

// Remove removes the deploying record for url if there is one,
// otherwise the lost record. It returns the removed record, or nil.
func (reg *DeployingNodeRegistry) Remove(url string) *DeployingNode {
	defer reg.urls.Lock(url)()
	deploying, lost := reg.get(url)
	if deploying != nil {
		reg.setDeploying(url, nil)
		return deploying
	}
	if lost != nil {
		reg.setLost(url, nil)
	}
	return lost
}

// DeclareLost moves the deploying record for url to the lost map,
// recording the given description. It returns the record, or nil if
// url was not deploying.
func (reg *DeployingNodeRegistry) DeclareLost(url, description string) *DeployingNode {
	defer reg.urls.Lock(url)()
	dn, _ := reg.get(url)
	if dn == nil {
		return nil
	}
	dn.mtx.Lock()
	dn.state = StateLost
	if description != "" {
		dn.Description = description
	}
	dn.mtx.Unlock()
	reg.moveToLost(url, dn)
	return dn
}

// Describe sets the description of the record for url.
func (reg *DeployingNodeRegistry) Describe(url, description string) bool {
	defer reg.urls.Lock(url)()
	dn := reg.Lookup(url)
	if dn == nil {
		return false
	}
	dn.mtx.Lock()
	dn.Description = description
	dn.mtx.Unlock()
	return true
}

// List returns the deploying records followed by the lost records.
func (reg *DeployingNodeRegistry) List() []DeployingView {
	reg.mtx.Lock()
	deploying := make([]*DeployingNode, 0, len(reg.deploying))
	for _, dn := range reg.deploying {
		deploying = append(deploying, dn)
	}
	lost := make([]*DeployingNode, 0, len(reg.lost))
	for _, dn := range reg.lost {
		lost = append(lost, dn)
	}
	reg.mtx.Unlock()
	sortByCreated(deploying)
	sortByCreated(lost)
	var views []DeployingView
	for _, dn := range append(deploying, lost...) {
		views = append(views, dn.View())
	}
	return views
}

// CountDeployingOn returns the number of deploying (not lost)
// records on the given host.
func (reg *DeployingNodeRegistry) CountDeployingOn(host string) int {
	reg.mtx.Lock()
	defer reg.mtx.Unlock()
	n := 0
	for _, dn := range reg.deploying {
		if dn.Host == host {
			n++
		}
	}
	return n
}

// Count returns the number of deploying and lost records.
func (reg *DeployingNodeRegistry) Count() (deploying, lost int) {
	reg.mtx.Lock()
	defer reg.mtx.Unlock()
	return len(reg.deploying), len(reg.lost)
}

func sortByCreated(dns []*DeployingNode) {
	sort.Slice(dns, func(i, j int) bool {
		if !dns[i].Created.Equal(dns[j].Created) {
			return dns[i].Created.Before(dns[j].Created)
		}
		return dns[i].URL < dns[j].URL
	})
}
