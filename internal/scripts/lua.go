// Copyright 2025 James Ross
package scripts

// Every non-trivial state change is a single script executed atomically
// against the backing store. Scripts write the state containers, except
// for the producer's Remove/Drain/Clean and the repeat manager's schedule
// set, which use plain commands (§4.1). KEYS carries the queue's fixed container keys so a
// reader can see at a glance which containers a script touches; per-job
// keys (the job hash, its lock, a flow parent's dependency set) are
// derived inside the script from the `base` hash-tag prefix, mirroring how
// BullMQ's own Lua scripts build per-job keys from a shared prefix rather
// than declaring one KEYS entry per possible job id.

const addJobLua = `
local wait, delayed, priority, idCounter, eventStream, waitingChildren = KEYS[1], KEYS[2], KEYS[3], KEYS[4], KEYS[5], KEYS[6]
local base = ARGV[1]
local jobIdOverride = ARGV[2]
local name = ARGV[3]
local data = ARGV[4]
local opts = ARGV[5]
local now = tonumber(ARGV[6])
local parentKey = ARGV[7]
local prio = tonumber(ARGV[8])
local delay = tonumber(ARGV[9])
local groupSuffix = ARGV[10]
local eventsChannel = ARGV[11]
local maxlen = tonumber(ARGV[12])
local lifo = ARGV[13]

local id
if jobIdOverride ~= '' then
  id = jobIdOverride
  if groupSuffix ~= '' then id = id .. ':' .. groupSuffix end
  local existingKey = base .. ':' .. id
  if redis.call('EXISTS', existingKey) == 1 then
    return {id, 0}
  end
else
  local n = redis.call('INCR', idCounter)
  id = tostring(n)
  if groupSuffix ~= '' then id = id .. ':' .. groupSuffix end
end

-- the meta hash marks the queue as existing for admin discovery
redis.call('HSETNX', base .. ':meta', 'paused', '0')

local jobKey = base .. ':' .. id
redis.call('HSET', jobKey,
  'id', id, 'name', name, 'data', data, 'opts', opts,
  'progress', '0', 'attemptsMade', '0', 'timestamp', tostring(now),
  'delay', tostring(delay), 'parentKey', parentKey)

if parentKey ~= '' then
  local depsKey = base .. ':' .. parentKey .. ':dependencies'
  redis.call('SADD', depsKey, id)
end

local ownDepsKey = base .. ':' .. id .. ':dependencies'
local ownDeps = redis.call('SCARD', ownDepsKey)

local eventName
if ownDeps > 0 then
  redis.call('ZADD', waitingChildren, now, id)
  eventName = 'waiting'
elseif delay > 0 then
  local score = (now + delay) * 4096 + math.min(prio, 4095)
  redis.call('ZADD', delayed, score, id)
  eventName = 'delayed'
else
  if lifo == '1' then
    redis.call('RPUSH', wait, id)
  else
    redis.call('LPUSH', wait, id)
  end
  if prio > 0 then
    redis.call('ZADD', priority, prio, id)
  end
  eventName = 'waiting'
end

redis.call('XADD', eventStream, 'MAXLEN', '~', maxlen, '*', 'event', 'added', 'jobId', id)
redis.call('XADD', eventStream, 'MAXLEN', '~', maxlen, '*', 'event', eventName, 'jobId', id)
redis.call('PUBLISH', eventsChannel, '{"event":"added","jobId":"' .. id .. '"}')
redis.call('PUBLISH', eventsChannel, '{"event":"' .. eventName .. '","jobId":"' .. id .. '"}')

return {id, 1}
`

const moveToActiveLua = `
local wait, active, priority, delayed, meta, eventStream = KEYS[1], KEYS[2], KEYS[3], KEYS[4], KEYS[5], KEYS[6]
local base = ARGV[1]
local token = ARGV[2]
local now = tonumber(ARGV[3])
local lockDuration = tonumber(ARGV[4])
local eventsChannel = ARGV[5]
local maxlen = tonumber(ARGV[6])
local limiterMax = tonumber(ARGV[7])
local limiterDuration = tonumber(ARGV[8])
local limiterGroupField = ARGV[9]

local paused = redis.call('HGET', meta, 'paused')
if paused == '1' then
  return {false, false, 'paused'}
end

local id = nil
local popped = redis.call('ZPOPMIN', priority)
if popped and #popped > 0 then
  id = popped[1]
  redis.call('LREM', wait, 0, id)
else
  id = redis.call('RPOP', wait)
end
if not id then
  return {false, false, 'empty'}
end

local jobKey = base .. ':' .. id

if limiterMax and limiterMax > 0 then
  local bucketKey = base .. ':limiter'
  if limiterGroupField ~= '' then
    local data = redis.call('HGET', jobKey, 'data')
    local ok, decoded = pcall(cjson.decode, data or '{}')
    if ok and type(decoded) == 'table' and decoded[limiterGroupField] then
      bucketKey = base .. ':limiter:' .. tostring(decoded[limiterGroupField])
    end
  end
  local count = redis.call('INCR', bucketKey)
  if count == 1 then
    redis.call('PEXPIRE', bucketKey, limiterDuration)
  end
  if count > limiterMax then
    local pttl = redis.call('PTTL', bucketKey)
    if pttl < 0 then pttl = limiterDuration end
    local prio = 0
    local optsRaw = redis.call('HGET', jobKey, 'opts')
    if optsRaw then
      local ok2, decodedOpts = pcall(cjson.decode, optsRaw)
      if ok2 and decodedOpts.priority then prio = decodedOpts.priority end
    end
    local score = (now + pttl) * 4096 + math.min(prio, 4095)
    redis.call('ZADD', delayed, score, id)
    redis.call('XADD', eventStream, 'MAXLEN', '~', maxlen, '*', 'event', 'delayed', 'jobId', id)
    redis.call('PUBLISH', eventsChannel, '{"event":"delayed","jobId":"' .. id .. '"}')
    return {false, pttl, 'limited'}
  end
end

redis.call('LPUSH', active, id)
redis.call('SET', jobKey .. ':lock', token, 'PX', lockDuration)
redis.call('HSET', jobKey, 'processedOn', tostring(now))
redis.call('XADD', eventStream, 'MAXLEN', '~', maxlen, '*', 'event', 'active', 'jobId', id)
redis.call('PUBLISH', eventsChannel, '{"event":"active","jobId":"' .. id .. '"}')

local fields = redis.call('HGETALL', jobKey)
return {id, fields, 'ok'}
`

const moveToCompletedLua = `
local active, completed, eventStream, waitingChildren, wait, priority, metricsCompleted = KEYS[1], KEYS[2], KEYS[3], KEYS[4], KEYS[5], KEYS[6], KEYS[7]
local base = ARGV[1]
local id = ARGV[2]
local retval = ARGV[3]
local token = ARGV[4]
local now = tonumber(ARGV[5])
local removeOn = ARGV[6]
local removeCount = tonumber(ARGV[7])
local eventsChannel = ARGV[8]
local maxlen = tonumber(ARGV[9])

local jobKey = base .. ':' .. id
local lockKey = jobKey .. ':lock'
local owner = redis.call('GET', lockKey)
if owner ~= token then
  return {0, 'lock_mismatch'}
end
if redis.call('EXISTS', jobKey) == 0 then
  return {0, 'not_found'}
end

local parentKey = redis.call('HGET', jobKey, 'parentKey')
redis.call('LREM', active, 0, id)
redis.call('DEL', lockKey)
redis.call('HSET', jobKey, 'returnvalue', retval, 'finishedOn', tostring(now))

if removeOn == '1' then
  redis.call('DEL', jobKey)
else
  redis.call('ZADD', completed, now, id)
  if removeCount and removeCount > 0 then
    redis.call('ZREMRANGEBYRANK', completed, 0, -(removeCount + 1))
  end
end

if parentKey and parentKey ~= '' then
  local depsKey = base .. ':' .. parentKey .. ':dependencies'
  redis.call('SREM', depsKey, id)
  if redis.call('SCARD', depsKey) == 0 then
    redis.call('ZREM', waitingChildren, parentKey)
    local prio = 0
    local parentOpts = redis.call('HGET', base .. ':' .. parentKey, 'opts')
    if parentOpts then
      local ok, decoded = pcall(cjson.decode, parentOpts)
      if ok and decoded.priority then prio = decoded.priority end
    end
    redis.call('RPUSH', wait, parentKey)
    if prio > 0 then redis.call('ZADD', priority, prio, parentKey) end
    redis.call('XADD', eventStream, 'MAXLEN', '~', maxlen, '*', 'event', 'waiting', 'jobId', parentKey)
    redis.call('PUBLISH', eventsChannel, '{"event":"waiting","jobId":"' .. parentKey .. '"}')
  end
end

redis.call('INCR', metricsCompleted)
redis.call('XADD', eventStream, 'MAXLEN', '~', maxlen, '*', 'event', 'completed', 'jobId', id)
redis.call('PUBLISH', eventsChannel, '{"event":"completed","jobId":"' .. id .. '"}')
return {1, 'ok'}
`

const moveToFailedLua = `
local active, failed, eventStream, waitingChildren, wait, priority, delayed, metricsFailed = KEYS[1], KEYS[2], KEYS[3], KEYS[4], KEYS[5], KEYS[6], KEYS[7], KEYS[8]
local base = ARGV[1]
local id = ARGV[2]
local reason = ARGV[3]
local token = ARGV[4]
local now = tonumber(ARGV[5])
local removeOn = ARGV[6]
local removeCount = tonumber(ARGV[7])
local eventsChannel = ARGV[8]
local maxlen = tonumber(ARGV[9])
local maxAttempts = tonumber(ARGV[10])
local backoffType = ARGV[11]
local backoffBase = tonumber(ARGV[12])
local backoffMax = tonumber(ARGV[13])

local jobKey = base .. ':' .. id
local lockKey = jobKey .. ':lock'
local owner = redis.call('GET', lockKey)
if owner ~= token then
  return {0, 'lock_mismatch'}
end
if redis.call('EXISTS', jobKey) == 0 then
  return {0, 'not_found'}
end

local parentKey = redis.call('HGET', jobKey, 'parentKey')
redis.call('LREM', active, 0, id)
redis.call('DEL', lockKey)

local attemptsMade = redis.call('HINCRBY', jobKey, 'attemptsMade', 1)
redis.call('HSET', jobKey, 'failedReason', reason)

local optsRaw = redis.call('HGET', jobKey, 'opts')
local ignoreDepOnFail = false
local prio = 0
if optsRaw then
  local ok, decoded = pcall(cjson.decode, optsRaw)
  if ok then
    if decoded.ignoreDependencyOnFailure then ignoreDepOnFail = true end
    if decoded.priority then prio = decoded.priority end
  end
end

if attemptsMade < maxAttempts then
  local delay = backoffBase
  if backoffType == 'exponential' then
    delay = backoffBase * (2 ^ (attemptsMade - 1))
  end
  if delay > backoffMax then delay = backoffMax end
  if delay and delay > 0 then
    local score = (now + delay) * 4096 + math.min(prio, 4095)
    redis.call('ZADD', delayed, score, id)
    redis.call('XADD', eventStream, 'MAXLEN', '~', maxlen, '*', 'event', 'delayed', 'jobId', id)
  else
    redis.call('RPUSH', wait, id)
    if prio > 0 then redis.call('ZADD', priority, prio, id) end
    redis.call('XADD', eventStream, 'MAXLEN', '~', maxlen, '*', 'event', 'waiting', 'jobId', id)
  end
  redis.call('PUBLISH', eventsChannel, '{"event":"failed","jobId":"' .. id .. '","retry":true}')
  return {1, 'retry'}
end

redis.call('HSET', jobKey, 'finishedOn', tostring(now))
if removeOn == '1' then
  redis.call('DEL', jobKey)
else
  redis.call('ZADD', failed, now, id)
  if removeCount and removeCount > 0 then
    redis.call('ZREMRANGEBYRANK', failed, 0, -(removeCount + 1))
  end
end
redis.call('INCR', metricsFailed)
redis.call('XADD', eventStream, 'MAXLEN', '~', maxlen, '*', 'event', 'failed', 'jobId', id)
redis.call('PUBLISH', eventsChannel, '{"event":"failed","jobId":"' .. id .. '","retry":false}')

if parentKey and parentKey ~= '' then
  local depsKey = base .. ':' .. parentKey .. ':dependencies'
  if ignoreDepOnFail then
    redis.call('SREM', depsKey, id)
    if redis.call('SCARD', depsKey) == 0 then
      redis.call('ZREM', waitingChildren, parentKey)
      redis.call('RPUSH', wait, parentKey)
      redis.call('XADD', eventStream, 'MAXLEN', '~', maxlen, '*', 'event', 'waiting', 'jobId', parentKey)
      redis.call('PUBLISH', eventsChannel, '{"event":"waiting","jobId":"' .. parentKey .. '"}')
    end
  else
    if redis.call('ZSCORE', waitingChildren, parentKey) then
      redis.call('ZREM', waitingChildren, parentKey)
      redis.call('SREM', depsKey, id)
      redis.call('HSET', base .. ':' .. parentKey, 'failedReason', 'parent failed', 'finishedOn', tostring(now))
      redis.call('ZADD', failed, now, parentKey)
      redis.call('INCR', metricsFailed)
      redis.call('XADD', eventStream, 'MAXLEN', '~', maxlen, '*', 'event', 'failed', 'jobId', parentKey)
      redis.call('PUBLISH', eventsChannel, '{"event":"failed","jobId":"' .. parentKey .. '","reason":"parent failed"}')
    end
  end
end

return {1, 'ok'}
`

const retryJobLua = `
local failed, wait, priority, eventStream = KEYS[1], KEYS[2], KEYS[3], KEYS[4]
local base = ARGV[1]
local id = ARGV[2]
local resetAttempts = ARGV[3]
local eventsChannel = ARGV[4]
local maxlen = tonumber(ARGV[5])

if redis.call('ZSCORE', failed, id) == false then
  return {0, 'not_failed'}
end
redis.call('ZREM', failed, id)

local jobKey = base .. ':' .. id
if redis.call('EXISTS', jobKey) == 0 then
  return {0, 'not_found'}
end
if resetAttempts == '1' then
  redis.call('HSET', jobKey, 'attemptsMade', '0')
end
redis.call('HDEL', jobKey, 'finishedOn', 'failedReason')

local prio = 0
local optsRaw = redis.call('HGET', jobKey, 'opts')
if optsRaw then
  local ok, decoded = pcall(cjson.decode, optsRaw)
  if ok and decoded.priority then prio = decoded.priority end
end

redis.call('RPUSH', wait, id)
if prio > 0 then redis.call('ZADD', priority, prio, id) end
redis.call('XADD', eventStream, 'MAXLEN', '~', maxlen, '*', 'event', 'waiting', 'jobId', id)
redis.call('PUBLISH', eventsChannel, '{"event":"waiting","jobId":"' .. id .. '"}')
return {1, 'ok'}
`

const extendLockLua = `
local lockKey = KEYS[1]
local token = ARGV[1]
local durationMs = tonumber(ARGV[2])
local owner = redis.call('GET', lockKey)
if owner ~= token then
  return 0
end
redis.call('PEXPIRE', lockKey, durationMs)
return 1
`

const updateProgressLua = `
local jobKey, eventStream = KEYS[1], KEYS[2]
local progress = ARGV[1]
local eventsChannel = ARGV[2]
local maxlen = tonumber(ARGV[3])
local jobId = ARGV[4]
if redis.call('EXISTS', jobKey) == 0 then
  return 0
end
redis.call('HSET', jobKey, 'progress', progress)
redis.call('XADD', eventStream, 'MAXLEN', '~', maxlen, '*', 'event', 'progress', 'jobId', jobId, 'progress', progress)
redis.call('PUBLISH', eventsChannel, '{"event":"progress","jobId":"' .. jobId .. '","progress":' .. progress .. '}')
return 1
`

const promoteDelayedLua = `
local delayed, wait, paused, meta, priority, eventStream = KEYS[1], KEYS[2], KEYS[3], KEYS[4], KEYS[5], KEYS[6]
local now = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local eventsChannel = ARGV[3]
local maxlen = tonumber(ARGV[4])

local target = wait
if redis.call('HGET', meta, 'paused') == '1' then
  target = paused
end

local maxScore = (now + 1) * 4096 - 1
local ids = redis.call('ZRANGEBYSCORE', delayed, '-inf', maxScore, 'LIMIT', 0, limit)
local count = 0
for _, id in ipairs(ids) do
  local score = redis.call('ZSCORE', delayed, id)
  redis.call('ZREM', delayed, id)
  local prio = 0
  if score then prio = math.floor(tonumber(score)) % 4096 end
  redis.call('RPUSH', target, id)
  if prio > 0 then redis.call('ZADD', priority, prio, id) end
  redis.call('XADD', eventStream, 'MAXLEN', '~', maxlen, '*', 'event', 'waiting', 'jobId', id)
  redis.call('PUBLISH', eventsChannel, '{"event":"waiting","jobId":"' .. id .. '"}')
  count = count + 1
end

local nextScore = -1
local nxt = redis.call('ZRANGE', delayed, 0, 0, 'WITHSCORES')
if nxt and #nxt > 0 then nextScore = tonumber(nxt[2]) end
return {count, nextScore}
`

const moveStalledJobsLua = `
local stalledCheck, active, stalled, wait, failed, eventStream, metricsFailed = KEYS[1], KEYS[2], KEYS[3], KEYS[4], KEYS[5], KEYS[6], KEYS[7]
local base = ARGV[1]
local now = tonumber(ARGV[2])
local interval = tonumber(ARGV[3])
local maxStalledCount = tonumber(ARGV[4])
local eventsChannel = ARGV[5]
local maxlen = tonumber(ARGV[6])

local window = math.floor(now / interval)
local last = redis.call('GET', stalledCheck)
if last and tonumber(last) == window then
  return {0, 0}
end
redis.call('SET', stalledCheck, window)

local prevStalled = redis.call('SMEMBERS', stalled)
local currentActive = redis.call('LRANGE', active, 0, -1)
local currentSet = {}
for _, id in ipairs(currentActive) do currentSet[id] = true end

local recovered = 0
local failedCount = 0
for _, id in ipairs(prevStalled) do
  if currentSet[id] then
    local lockKey = base .. ':' .. id .. ':lock'
    if redis.call('EXISTS', lockKey) == 0 then
      local jobKey = base .. ':' .. id
      redis.call('HSETNX', jobKey, 'stalledCounter', maxStalledCount)
      local remaining = redis.call('HINCRBY', jobKey, 'stalledCounter', -1)
      redis.call('LREM', active, 0, id)
      if remaining >= 0 then
        redis.call('LPUSH', wait, id)
        redis.call('XADD', eventStream, 'MAXLEN', '~', maxlen, '*', 'event', 'stalled', 'jobId', id)
        redis.call('PUBLISH', eventsChannel, '{"event":"stalled","jobId":"' .. id .. '"}')
        recovered = recovered + 1
      else
        redis.call('HSET', jobKey, 'failedReason', 'job stalled more than allowable limit', 'finishedOn', tostring(now))
        redis.call('ZADD', failed, now, id)
        redis.call('INCR', metricsFailed)
        redis.call('XADD', eventStream, 'MAXLEN', '~', maxlen, '*', 'event', 'failed', 'jobId', id)
        redis.call('PUBLISH', eventsChannel, '{"event":"failed","jobId":"' .. id .. '","reason":"stalled"}')
        failedCount = failedCount + 1
      end
    end
  end
end

redis.call('DEL', stalled)
if #currentActive > 0 then
  redis.call('SADD', stalled, unpack(currentActive))
end
return {recovered, failedCount}
`

const pauseLua = `
local wait, paused, meta = KEYS[1], KEYS[2], KEYS[3]
local eventsChannel = ARGV[1]
if redis.call('HGET', meta, 'paused') == '1' then
  return 0
end
if redis.call('EXISTS', wait) == 1 then
  redis.call('RENAME', wait, paused)
end
redis.call('HSET', meta, 'paused', '1')
redis.call('PUBLISH', eventsChannel, '{"event":"paused"}')
return 1
`

const resumeLua = `
local wait, paused, meta = KEYS[1], KEYS[2], KEYS[3]
local eventsChannel = ARGV[1]
if redis.call('HGET', meta, 'paused') ~= '1' then
  return 0
end
if redis.call('EXISTS', paused) == 1 then
  redis.call('RENAME', paused, wait)
end
redis.call('HSET', meta, 'paused', '0')
redis.call('PUBLISH', eventsChannel, '{"event":"resumed"}')
return 1
`

const obliterateLua = `
local active = KEYS[1]
local base = ARGV[1]
local force = ARGV[2]
if force ~= '1' and redis.call('LLEN', active) > 0 then
  return 0
end
local cursor = '0'
repeat
  local res = redis.call('SCAN', cursor, 'MATCH', base .. '*', 'COUNT', 1000)
  cursor = res[1]
  local batch = res[2]
  if #batch > 0 then
    redis.call('DEL', unpack(batch))
  end
until cursor == '0'
return 1
`
