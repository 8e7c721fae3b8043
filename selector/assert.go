// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package selector

var (
	_ StickyKeySelector = (*ConsistentHash)(nil)
	_ StickyKeySelector = (*AutoSplitRange)(nil)
	_ StickyKeySelector = (*Exclusive)(nil)
)
