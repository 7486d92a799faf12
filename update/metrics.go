// Copyright 2024 The Genesis OTA authors. All Rights Reserved.
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

package update

import (
	"sync"

	prom "github.com/prometheus/client_golang/prometheus"
)

var (
	doOnce                       sync.Once
	counterUpdateCheck           prom.Counter
	counterFirmwareUpdateAttempt prom.Counter
	counterFirmwareUpdateSuccess prom.Counter
	counterFirmwareUpdateFailure prom.Counter
)

func initMetrics() {
	doOnce.Do(func() {
		counterUpdateCheck = prom.NewCounter(prom.CounterOpts{
			Name: "ota_update_check_total",
			Help: "Number of manifest checks performed.",
		})
		counterFirmwareUpdateAttempt = prom.NewCounter(prom.CounterOpts{
			Name: "ota_firmware_update_attempt_total",
			Help: "Number of firmware update attempts started.",
		})
		counterFirmwareUpdateSuccess = prom.NewCounter(prom.CounterOpts{
			Name: "ota_firmware_update_success_total",
			Help: "Number of firmware update attempts which completed.",
		})
		counterFirmwareUpdateFailure = prom.NewCounter(prom.CounterOpts{
			Name: "ota_firmware_update_failure_total",
			Help: "Number of firmware update attempts which failed.",
		})
		prom.MustRegister(
			counterUpdateCheck,
			counterFirmwareUpdateAttempt,
			counterFirmwareUpdateSuccess,
			counterFirmwareUpdateFailure,
		)
	})
}
