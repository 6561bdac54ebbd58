package throttle

// External signal adapters. Each host signal translates 1:1 to reason
// toggles; there is no polling anywhere in the controller.

// HandleWindowFocus marks the window focused and foregrounded.
func (c *Controller) HandleWindowFocus() {
	c.mu.Lock()
	c.windowFocused = true
	delete(c.throttleReasons, ReasonWindowBlurred)
	c.bypassReasons[BypassForeground] = struct{}{}
	c.recomputeLocked()
}

// HandleWindowBlur marks the window unfocused.
func (c *Controller) HandleWindowBlur() {
	c.mu.Lock()
	c.windowFocused = false
	c.throttleReasons[ReasonWindowBlurred] = struct{}{}
	delete(c.bypassReasons, BypassForeground)
	c.recomputeLocked()
}

// HandleWindowShow marks the window visible again.
func (c *Controller) HandleWindowShow() {
	c.mu.Lock()
	c.windowVisible = true
	delete(c.throttleReasons, ReasonWindowHidden)
	c.recomputeLocked()
}

// HandleWindowHide marks the window hidden.
func (c *Controller) HandleWindowHide() {
	c.mu.Lock()
	c.windowVisible = false
	c.throttleReasons[ReasonWindowHidden] = struct{}{}
	c.recomputeLocked()
}

// HandleWindowMinimize marks the window minimized.
func (c *Controller) HandleWindowMinimize() {
	c.mu.Lock()
	c.throttleReasons[ReasonWindowMinimized] = struct{}{}
	c.recomputeLocked()
}

// HandleWindowRestore clears the minimized reason.
func (c *Controller) HandleWindowRestore() {
	c.mu.Lock()
	delete(c.throttleReasons, ReasonWindowMinimized)
	c.recomputeLocked()
}

// HandleSystemSuspend marks the machine as going to sleep.
func (c *Controller) HandleSystemSuspend() {
	c.mu.Lock()
	c.systemPowerState = "suspended"
	c.throttleReasons[ReasonSystemSuspend] = struct{}{}
	c.recomputeLocked()
}

// HandleSystemResume clears the suspend reason.
func (c *Controller) HandleSystemResume() {
	c.mu.Lock()
	c.systemPowerState = "active"
	delete(c.throttleReasons, ReasonSystemSuspend)
	c.recomputeLocked()
}

// HandleScreenLock treats a locked screen as idle.
func (c *Controller) HandleScreenLock() {
	c.mu.Lock()
	c.systemPowerState = "locked"
	c.throttleReasons[ReasonIdle] = struct{}{}
	c.recomputeLocked()
}

// HandleScreenUnlock clears the idle reason and counts as an interaction.
func (c *Controller) HandleScreenUnlock() {
	c.mu.Lock()
	c.systemPowerState = "active"
	delete(c.throttleReasons, ReasonIdle)
	c.recomputeLocked()
}

// HandlePowerSaving toggles the power-saving throttle reason.
func (c *Controller) HandlePowerSaving(on bool) {
	c.mu.Lock()
	if on {
		c.throttleReasons[ReasonPowerSaving] = struct{}{}
	} else {
		delete(c.throttleReasons, ReasonPowerSaving)
	}
	c.recomputeLocked()
}

// HandleUserInteraction toggles the user-interaction bypass.
func (c *Controller) HandleUserInteraction(active bool) {
	c.mu.Lock()
	if active {
		c.bypassReasons[BypassUserInteraction] = struct{}{}
	} else {
		delete(c.bypassReasons, BypassUserInteraction)
	}
	c.recomputeLocked()
}
