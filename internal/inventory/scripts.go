// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
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

package inventory

// The scripts below are the atomicity boundary of the inventory engine.
// Transient states inside a script are never observable; Redis executes each
// EVAL as a unit.

// decrementScript checks and decrements the stock counter and mirrors the
// amount into the sold counter. The per-user purchase limit is folded into
// the same script so limit enforcement is atomic with the decrement.
//
// KEYS[1] stock:sku_<id>
// KEYS[2] sold:sku_<id>
// KEYS[3] bought:<sku>:<user>   (only read/written when ARGV[2] > 0)
// ARGV[1] quantity
// ARGV[2] per-user limit, 0 disables the check
// ARGV[3] TTL seconds for the bought counter
//
// Returns: remaining (>= 0) on success, or a negative status:
//
//	-1 invalid quantity or cold (un-warmed) stock key
//	-2 per-user limit exceeded
//	-3 sold out
//
// A successful decrement that empties the stock returns 0, so sold-out is
// reported as -3 rather than the ambiguous 0.
const decrementScript = `
local qty = tonumber(ARGV[1])
if not qty or qty <= 0 then
  return -1
end
local limit = tonumber(ARGV[2]) or 0
if limit > 0 then
  local bought = tonumber(redis.call('GET', KEYS[3]) or '0')
  if bought + qty > limit then
    return -2
  end
end
local stock = redis.call('GET', KEYS[1])
if not stock then
  return -1
end
stock = tonumber(stock)
if stock < qty then
  return -3
end
local remaining = redis.call('DECRBY', KEYS[1], qty)
redis.call('INCRBY', KEYS[2], qty)
if limit > 0 then
  redis.call('INCRBY', KEYS[3], qty)
  local ttl = tonumber(ARGV[3]) or 0
  if ttl > 0 then
    redis.call('EXPIRE', KEYS[3], ttl)
  end
end
return remaining
`

// rollbackScript returns reserved quantity to the pool. A SETNX marker keyed
// by order id makes the rollback idempotent: retries after a transport error
// apply at most once (same pattern as the idempotent commit markers used by
// the persistence adapters).
//
// KEYS[1] stock:sku_<id>
// KEYS[2] sold:sku_<id>
// KEYS[3] rb:<order_id>
// ARGV[1] quantity
// ARGV[2] marker TTL seconds
//
// Returns: {stock, applied}. stock is the post-call stock value, or -1 for
// invalid quantity. applied is 1 when this call moved the counters and 0 on
// replay; callers must only record a ledger entry when applied is 1, or a
// retried rollback after a transport blip would double-count in the ledger.
const rollbackScript = `
local qty = tonumber(ARGV[1])
if not qty or qty <= 0 then
  return {-1, 0}
end
if redis.call('SETNX', KEYS[3], 1) == 0 then
  return {tonumber(redis.call('GET', KEYS[1]) or '0'), 0}
end
local ttl = tonumber(ARGV[2]) or 0
if ttl > 0 then
  redis.call('EXPIRE', KEYS[3], ttl)
end
local new_stock = redis.call('INCRBY', KEYS[1], qty)
local new_sold = redis.call('DECRBY', KEYS[2], qty)
if new_sold < 0 then
  redis.call('SET', KEYS[2], 0)
end
return {new_stock, 1}
`

// warmupScript seeds the counters exactly once per SKU. A second warmup for
// the same SKU is a no-op so a crashed admin path can safely re-run it.
//
// KEYS[1] stock:sku_<id>
// KEYS[2] sold:sku_<id>
// ARGV[1] total stock
//
// Returns 1 when seeded, 0 when the SKU was already warm.
const warmupScript = `
if redis.call('SETNX', KEYS[1], ARGV[1]) == 1 then
  redis.call('SET', KEYS[2], 0)
  return 1
end
return 0
`
