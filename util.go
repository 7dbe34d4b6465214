/* SPDX-License-Identifier: Apache-2.0
 *
 * Copyright 2024 The hibrimage Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 * http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package hibrimage

// minUint64 is a small helper used by ImageReader.Read to clamp copy
// lengths across group/buffer/media-size boundaries, mirroring the
// teacher's own small min(a, b int64) int64 helper in qcow2.go.
func minUint64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
