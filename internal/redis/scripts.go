package redis

import "github.com/redis/go-redis/v9"

// Reply codes shared by the queue scripts.
const (
	codeOK         = 1
	codeNoop       = 0
	codeDead       = 2
	codeLeaseLost  = -1
	codeNotInState = -2
	codeTerminal   = -3
)

// enqueueScript KEYS: pending, record. ARGV: id, kind, target, payload, now.
var enqueueScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[2], 'status')
if status == 'done' or status == 'dead' then
	return -3
end
if status then
	return 0
end
redis.call('HSET', KEYS[2],
	'id', ARGV[1], 'kind', ARGV[2], 'target', ARGV[3], 'payload', ARGV[4],
	'status', 'pending', 'attempts', 0, 'reclaims', 0,
	'enqueued_at', ARGV[5], 'updated_at', ARGV[5])
redis.call('RPUSH', KEYS[1], ARGV[1])
return 1
`)

// claimScript KEYS: lease, pending, inflight. ARGV: token, limit, now, deadline, record prefix.
var claimScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) ~= ARGV[1] then
	return {-1}
end
local limit = tonumber(ARGV[2])
local out = {1}
local claimed = 0
while claimed < limit do
	local id = redis.call('LPOP', KEYS[2])
	if not id then
		break
	end
	local rec = ARGV[5] .. id
	if redis.call('HGET', rec, 'status') == 'pending' then
		redis.call('ZADD', KEYS[3], ARGV[4], id)
		redis.call('HSET', rec, 'status', 'in_flight', 'claimed_at', ARGV[3], 'updated_at', ARGV[3])
		out[#out + 1] = id
		claimed = claimed + 1
	end
end
return out
`)

// completeScript KEYS: lease, inflight, done, record. ARGV: token, id, now.
var completeScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) ~= ARGV[1] then
	return -1
end
if redis.call('ZREM', KEYS[2], ARGV[2]) == 0 then
	return -2
end
redis.call('SADD', KEYS[3], ARGV[2])
redis.call('HSET', KEYS[4], 'status', 'done', 'updated_at', ARGV[3], 'completed_at', ARGV[3])
return 1
`)

// failScript KEYS: lease, inflight, pending, dead, record.
// ARGV: token, id, error, now, ceiling, permanent.
var failScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) ~= ARGV[1] then
	return -1
end
if redis.call('ZREM', KEYS[2], ARGV[2]) == 0 then
	return -2
end
local attempts = redis.call('HINCRBY', KEYS[5], 'attempts', 1)
redis.call('HSET', KEYS[5], 'last_error', ARGV[3], 'updated_at', ARGV[4])
if ARGV[6] == '1' or attempts >= tonumber(ARGV[5]) then
	redis.call('ZADD', KEYS[4], ARGV[4], ARGV[2])
	redis.call('HSET', KEYS[5], 'status', 'dead', 'completed_at', ARGV[4])
	return 2
end
redis.call('RPUSH', KEYS[3], ARGV[2])
redis.call('HSET', KEYS[5], 'status', 'pending')
return 1
`)

// deferScript KEYS: lease, inflight, pending, record. ARGV: token, id, now.
var deferScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) ~= ARGV[1] then
	return -1
end
if redis.call('ZREM', KEYS[2], ARGV[2]) == 0 then
	return -2
end
redis.call('RPUSH', KEYS[3], ARGV[2])
redis.call('HSET', KEYS[4], 'status', 'pending', 'updated_at', ARGV[3])
return 1
`)

// sweepScript KEYS: lease, inflight, pending. ARGV: token, now, record prefix.
// Expired claims go back to the head of pending, earliest deadline first.
var sweepScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) ~= ARGV[1] then
	return {-1}
end
local ids = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[2])
local out = {1}
for i = #ids, 1, -1 do
	local id = ids[i]
	redis.call('ZREM', KEYS[2], id)
	local rec = ARGV[3] .. id
	if redis.call('HGET', rec, 'status') == 'in_flight' then
		redis.call('LPUSH', KEYS[3], id)
		redis.call('HSET', rec, 'status', 'pending', 'updated_at', ARGV[2])
		redis.call('HINCRBY', rec, 'reclaims', 1)
		out[#out + 1] = id
	end
end
return out
`)

// requeueDeadScript KEYS: lease, dead, pending, record. ARGV: token, id, now.
var requeueDeadScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) ~= ARGV[1] then
	return -1
end
if redis.call('ZREM', KEYS[2], ARGV[2]) == 0 then
	return -2
end
redis.call('HSET', KEYS[4], 'status', 'pending', 'attempts', 0, 'updated_at', ARGV[3])
redis.call('HDEL', KEYS[4], 'completed_at')
redis.call('RPUSH', KEYS[3], ARGV[2])
return 1
`)

// acquireScript KEYS: lease. ARGV: token, ttl ms.
var acquireScript = redis.NewScript(`
local holder = redis.call('GET', KEYS[1])
if not holder then
	redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
	return 1
end
if holder == ARGV[1] then
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
	return 1
end
return 0
`)

// renewScript KEYS: lease. ARGV: token, ttl ms.
var renewScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

// releaseScript KEYS: lease. ARGV: token.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// rateLimitScript KEYS: window set. ARGV: now, window start, limit, member, ttl ms.
// Evicts aged entries and records a new one only while under the limit.
var rateLimitScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[2])
if redis.call('ZCARD', KEYS[1]) >= tonumber(ARGV[3]) then
	return 0
end
redis.call('ZADD', KEYS[1], ARGV[1], ARGV[4])
redis.call('PEXPIRE', KEYS[1], ARGV[5])
return 1
`)
