package vfs

func (vfs *VirtualFilesystem) evictable(n *Vnode) bool {
	return n != vfs.root &&
		n.parent != nil &&
		n.OpenCount == 0 &&
		n.refs == 0 &&
		n.childCount() == 0 &&
		!n.IsMemory() &&
		!n.mountRoot &&
		n.Type != VnodeMount
}

// evict drops n from the cache if nothing holds it, then retries with its
// parent.
func (vfs *VirtualFilesystem) evict(n *Vnode) {
	for n != nil && vfs.evictable(n) {
		parent := n.parent
		Detach(n)
		n = parent
	}
}

// Prune evicts every unused cached vnode and returns how many were dropped.
func (vfs *VirtualFilesystem) Prune() int {
	vfs.mu.Lock()
	defer vfs.mu.Unlock()

	if vfs.root == nil {
		return 0
	}
	return vfs.prune(vfs.root)
}

func (vfs *VirtualFilesystem) prune(n *Vnode) int {
	dropped := 0
	if n.Type == VnodeMount && n.target != nil {
		dropped += vfs.prune(n.target)
	}
	for _, c := range n.Children() {
		dropped += vfs.prune(c)
	}
	if vfs.evictable(n) {
		Detach(n)
		dropped++
	}
	return dropped
}
