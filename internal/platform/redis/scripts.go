package redis

import "github.com/redis/go-redis/v9"

// The scripts below are the atomic primitives of the store. Every status
// transition that postgres guards with row locks is a single Lua script
// here, so concurrent workers observe the same one-writer-wins behavior.
//
// Shared conventions: task hashes store times as unix milliseconds, an empty
// string means the field is unset, and zset members are bare task ids.

// claimScript claims the best eligible pending task.
//
// It first promotes every due task from the delayed zset into its per-type
// ready zset (in batches, so one call never buffers the whole zset), then
// picks the lowest ready score across the requested types. Ready scores
// order by priority then scheduled time; score ties fall to the oldest
// created_at, then the smallest id.
//
//	KEYS[1] task types set
//	KEYS[2] delayed zset
//	KEYS[3] processing zset
//	ARGV[1] key prefix
//	ARGV[2] now, unix ms
//	ARGV[3] claim expiry, unix ms
//	ARGV[4] claimant
//	ARGV[5..] requested task types (none means all)
//
// Returns the claimed task hash as a flat field list, or false when nothing
// is eligible.
var claimScript = redis.NewScript(`
local prefix = ARGV[1]
local now = tonumber(ARGV[2])
local span = 1e13

repeat
	local due = redis.call("ZRANGEBYSCORE", KEYS[2], "-inf", now, "LIMIT", 0, 128)
	for _, id in ipairs(due) do
		local task = prefix .. "task:" .. id
		local pri = tonumber(redis.call("HGET", task, "priority"))
		local sched = tonumber(redis.call("HGET", task, "scheduled_at"))
		local ready = prefix .. "ready:" .. redis.call("HGET", task, "task_type")
		redis.call("ZADD", ready, (10 - pri) * span + sched, id)
		redis.call("ZREM", KEYS[2], id)
	end
until #due < 128

local types
if #ARGV > 4 then
	types = {}
	for i = 5, #ARGV do
		types[#types + 1] = ARGV[i]
	end
else
	types = redis.call("SMEMBERS", KEYS[1])
end

local function older(id, created, otherId, otherCreated)
	if created ~= otherCreated then
		return created < otherCreated
	end
	return id < otherId
end

local bestId, bestScore, bestCreated, bestType
for _, t in ipairs(types) do
	local ready = prefix .. "ready:" .. t
	local hit = redis.call("ZRANGE", ready, 0, 0, "WITHSCORES")
	if hit[1] then
		local score = tonumber(hit[2])
		-- members tied at the head score share priority and schedule;
		-- the oldest insert wins
		local id, created
		for _, cand in ipairs(redis.call("ZRANGEBYSCORE", ready, hit[2], hit[2])) do
			local candCreated = tonumber(redis.call("HGET", prefix .. "task:" .. cand, "created_at"))
			if not id or older(cand, candCreated, id, created) then
				id, created = cand, candCreated
			end
		end
		if not bestId or score < bestScore or
			(score == bestScore and older(id, created, bestId, bestCreated)) then
			bestId, bestScore, bestCreated, bestType = id, score, created, t
		end
	end
end

if not bestId then
	return false
end

local task = prefix .. "task:" .. bestId
redis.call("ZREM", prefix .. "ready:" .. bestType, bestId)
redis.call("HSET", task,
	"status", "processing",
	"claimed_by", ARGV[4],
	"claim_expires_at", ARGV[3],
	"started_at", ARGV[2])
redis.call("HINCRBY", task, "attempts", 1)
redis.call("ZADD", KEYS[3], tonumber(ARGV[3]), bestId)
return redis.call("HGETALL", task)
`)

// completeScript records a success verdict by the claim owner. Completing an
// already completed task returns it unchanged.
//
//	KEYS[1] task hash
//	KEYS[2] processing zset
//	ARGV[1] claimant
//	ARGV[2] result json
//	ARGV[3] now, unix ms
//	ARGV[4] task id
//
// Returns {"missing"}, {"conflict", status}, {"owner"}, or
// {"done", task fields}.
var completeScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return {"missing"}
end
local status = redis.call("HGET", KEYS[1], "status")
if status == "completed" then
	return {"done", redis.call("HGETALL", KEYS[1])}
end
if status ~= "processing" then
	return {"conflict", status}
end
if redis.call("HGET", KEYS[1], "claimed_by") ~= ARGV[1] then
	return {"owner"}
end
redis.call("HSET", KEYS[1],
	"status", "completed",
	"result", ARGV[2],
	"completed_at", ARGV[3],
	"claimed_by", "",
	"claim_expires_at", "")
redis.call("ZREM", KEYS[2], ARGV[4])
return {"done", redis.call("HGETALL", KEYS[1])}
`)

// failScript records a failure verdict by the claim owner: dead-letter when
// retries are forbidden or the attempt budget is spent, otherwise back to
// the delayed zset at the retry time.
//
//	KEYS[1] task hash
//	KEYS[2] processing zset
//	KEYS[3] delayed zset
//	ARGV[1] claimant
//	ARGV[2] last error
//	ARGV[3] retry time, unix ms
//	ARGV[4] no-retry flag, "1" forbids retries
//	ARGV[5] now, unix ms
//	ARGV[6] task id
//
// Returns {"missing"}, {"conflict", status}, {"owner"}, or
// {"done", task fields}.
var failScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return {"missing"}
end
local status = redis.call("HGET", KEYS[1], "status")
if status ~= "processing" then
	return {"conflict", status}
end
if redis.call("HGET", KEYS[1], "claimed_by") ~= ARGV[1] then
	return {"owner"}
end
local attempts = tonumber(redis.call("HGET", KEYS[1], "attempts"))
local budget = tonumber(redis.call("HGET", KEYS[1], "max_retries"))
redis.call("HSET", KEYS[1],
	"last_error", ARGV[2],
	"claimed_by", "",
	"claim_expires_at", "")
redis.call("ZREM", KEYS[2], ARGV[6])
if ARGV[4] == "1" or attempts >= budget then
	redis.call("HSET", KEYS[1], "status", "failed", "completed_at", ARGV[5])
else
	redis.call("HSET", KEYS[1], "status", "pending", "scheduled_at", ARGV[3])
	redis.call("ZADD", KEYS[3], tonumber(ARGV[3]), ARGV[6])
end
return {"done", redis.call("HGETALL", KEYS[1])}
`)

// cancelScript cancels a pending task and removes it from whichever pending
// index holds it.
//
//	KEYS[1] task hash
//	KEYS[2] delayed zset
//	ARGV[1] now, unix ms
//	ARGV[2] task id
//	ARGV[3] key prefix
//
// Returns {"missing"}, {"no"}, or {"yes"}.
var cancelScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return {"missing"}
end
if redis.call("HGET", KEYS[1], "status") ~= "pending" then
	return {"no"}
end
local ready = ARGV[3] .. "ready:" .. redis.call("HGET", KEYS[1], "task_type")
redis.call("HSET", KEYS[1], "status", "cancelled", "completed_at", ARGV[1])
redis.call("ZREM", KEYS[2], ARGV[2])
redis.call("ZREM", ready, ARGV[2])
return {"yes"}
`)

// reclaimScript applies the expiry verdict to one task, guarded by the
// claim_expires_at value the sweeper read. A mismatch means the task changed
// hands since the read and the sweep leaves it alone.
//
//	KEYS[1] task hash
//	KEYS[2] processing zset
//	KEYS[3] delayed zset
//	ARGV[1] expected claim expiry, unix ms
//	ARGV[2] retry time, unix ms
//	ARGV[3] now, unix ms
//	ARGV[4] last error
//	ARGV[5] task id
//
// Returns the updated task fields, or false when the guard failed.
var reclaimScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return false
end
if redis.call("HGET", KEYS[1], "status") ~= "processing" then
	return false
end
if redis.call("HGET", KEYS[1], "claim_expires_at") ~= ARGV[1] then
	return false
end
local attempts = tonumber(redis.call("HGET", KEYS[1], "attempts"))
local budget = tonumber(redis.call("HGET", KEYS[1], "max_retries"))
redis.call("HSET", KEYS[1],
	"last_error", ARGV[4],
	"claimed_by", "",
	"claim_expires_at", "")
redis.call("ZREM", KEYS[2], ARGV[5])
if attempts >= budget then
	redis.call("HSET", KEYS[1], "status", "failed", "completed_at", ARGV[3])
else
	redis.call("HSET", KEYS[1], "status", "pending", "scheduled_at", ARGV[2])
	redis.call("ZADD", KEYS[3], tonumber(ARGV[2]), ARGV[5])
end
return redis.call("HGETALL", KEYS[1])
`)
