// Copyright 2025 Phillip Lindsay
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package admin

import (
	"fmt"
	"time"
)

// Window is a span of UTC hours, [StartHour, EndHour). EndHour 24 means
// midnight. A window whose end is before its start wraps past midnight, so
// {22, 4} covers 22:00 to 03:59.
type Window struct {
	StartHour int
	EndHour   int
}

// Validate reports windows with out-of-range or equal hours.
func (w Window) Validate() error {
	if w.StartHour < 0 || w.StartHour > 23 || w.EndHour < 0 || w.EndHour > 24 {
		return fmt.Errorf("maintenance window hours must be within 0-24, got %d-%d", w.StartHour, w.EndHour)
	}
	if w.StartHour == w.EndHour {
		return fmt.Errorf("maintenance window is empty (%d-%d)", w.StartHour, w.EndHour)
	}
	return nil
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	h := t.UTC().Hour()
	if w.StartHour < w.EndHour {
		return h >= w.StartHour && h < w.EndHour
	}
	return h >= w.StartHour || h < w.EndHour
}

// String formats the window as "HH:00-HH:00 UTC".
func (w Window) String() string {
	return fmt.Sprintf("%02d:00-%02d:00 UTC", w.StartHour, w.EndHour)
}
