// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package rm

import "fmt"

// Node is a compute node managed by the resource manager. URL is the
// node's identity; Host is the address of the host it runs on.
type Node struct {
	URL      string `json:"url"`
	Name     string `json:"name"`
	Host     string `json:"host"`
	HostName string `json:"host_name"`
}

// NodeEventKind is the kind of a node lifecycle event reported by a
// node source.
type NodeEventKind string

const (
	NodeAlive   NodeEventKind = "ALIVE"
	NodeDown    NodeEventKind = "DOWN"
	NodeRemoved NodeEventKind = "REMOVED"
)

// UnmarshalText implements encoding.TextUnmarshaler, rejecting
// unknown event kinds.
func (k *NodeEventKind) UnmarshalText(text []byte) error {
	switch kind := NodeEventKind(text); kind {
	case NodeAlive, NodeDown, NodeRemoved:
		*k = kind
		return nil
	default:
		return fmt.Errorf("unknown node event kind %q", text)
	}
}

// NodeEvent reports a state change of the node at NodeURL, running on
// the host with address Host.
type NodeEvent struct {
	Host    string        `json:"host"`
	NodeURL string        `json:"node_url"`
	Kind    NodeEventKind `json:"kind"`
}
